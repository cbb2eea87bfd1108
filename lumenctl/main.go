package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/lumen-social/lumen/client"
)

const LumenCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Lumen control.

Usage:
    lumenctl tail --api_url=<api_url> --streaming_url=<streaming_url>
        [--token=<token>]
        [--view=<view>]
    lumenctl whoami --api_url=<api_url> [--token=<token>]
    lumenctl follow --api_url=<api_url> [--token=<token>] <account_id>
    lumenctl unfollow --api_url=<api_url> [--token=<token>] <account_id>
    lumenctl favourite --api_url=<api_url> [--token=<token>] <status_id>
    lumenctl relationships --api_url=<api_url> [--token=<token>] <account_id>...

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>              Server base url, e.g. https://example.social
    --streaming_url=<streaming_url>  Streaming url, e.g. wss://example.social/api/v1/streaming
    --token=<token>                  OAuth bearer token. Prompted when omitted.
    --view=<view>                    Timeline view key [default: home].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LumenCtlVersion)
	if err != nil {
		panic(err)
	}

	if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if whoami_, _ := opts.Bool("whoami"); whoami_ {
		whoami(opts)
	} else if follow_, _ := opts.Bool("follow"); follow_ {
		follow(opts, true)
	} else if unfollow_, _ := opts.Bool("unfollow"); unfollow_ {
		follow(opts, false)
	} else if favourite_, _ := opts.Bool("favourite"); favourite_ {
		favourite(opts)
	} else if relationships_, _ := opts.Bool("relationships"); relationships_ {
		relationships(opts)
	}
}

func accessToken(opts docopt.Opts) string {
	if token, err := opts.String("--token"); err == nil && token != "" {
		return token
	}
	fmt.Print("token: ")
	tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		panic(err)
	}
	return strings.TrimSpace(string(tokenBytes))
}

func newApi(opts docopt.Opts) *client.Api {
	apiUrl, err := opts.String("--api_url")
	if err != nil {
		panic(err)
	}
	api := client.NewApi(apiUrl)
	api.SetAccessToken(accessToken(opts))
	return api
}

func tail(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiUrl, _ := opts.String("--api_url")
	streamingUrl, _ := opts.String("--streaming_url")
	view, _ := opts.String("--view")
	token := accessToken(opts)

	api := client.NewApiWithContext(ctx, apiUrl)
	defer api.Close()
	api.SetAccessToken(token)

	entities := client.NewEntityTableWithDefaults()
	timelines := client.NewTimelinesWithDefaults(entities, api.FetchTimeline)
	defer timelines.Close()
	notifications := client.NewNotificationFeedWithDefaults(entities, api.FetchNotifications)
	defer notifications.Close()

	viewKey := client.ViewKey(view)
	seen := map[string]bool{}
	removeChangeCallback := timelines.AddChangeCallback(func(changedViewKey client.ViewKey) {
		if changedViewKey != viewKey {
			return
		}
		for _, statusId := range timelines.View(viewKey).Items {
			if seen[statusId] {
				continue
			}
			seen[statusId] = true
			status, ok := entities.Get(client.EntityStatus, statusId)
			if !ok {
				continue
			}
			account, _ := entities.Get(client.EntityAccount, status.String(client.FieldAccountId))
			Out.Printf("[%s] %s: %s", statusId, account.String("acct"), status.String("content"))
		}
	})
	defer removeChangeCallback()

	removeAlertCallback := notifications.AddAlertCallback(func(record client.Record) {
		Out.Printf("(%s notification from %s)", record.String("type"), record.String(client.FieldAccountId))
	})
	defer removeAlertCallback()

	if err := timelines.Expand(ctx, viewKey, ""); err != nil {
		Err.Printf("initial expand: %s", err)
	}

	streamingClient := client.NewStreamingClientWithDefaults(
		ctx,
		streamingUrl,
		&client.ClientAuth{AccessToken: token, AppVersion: LumenCtlVersion},
		entities,
		timelines,
		notifications,
	)
	defer streamingClient.Close()
	removeStateCallback := streamingClient.AddStateCallback(func(state client.ConnectionState) {
		Err.Printf("streaming %s", state)
	})
	defer removeStateCallback()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}

func whoami(opts docopt.Opts) {
	api := newApi(opts)
	defer api.Close()

	account, err := api.VerifyCredentials(context.Background())
	if err != nil {
		Err.Fatalf("verify credentials: %s", err)
	}
	record := client.Record(account)
	Out.Printf("%s (%s)", record.String("acct"), record.Id())
}

func follow(opts docopt.Opts, following bool) {
	ctx := context.Background()
	api := newApi(opts)
	defer api.Close()

	accountId, _ := opts.String("<account_id>")

	entities := client.NewEntityTableWithDefaults()
	coordinator := client.NewMutationCoordinatorWithDefaults(ctx, entities)
	defer coordinator.Close()

	operation := func(ctx context.Context) (map[string]any, error) {
		if following {
			return api.FollowAccount(ctx, accountId)
		}
		return api.UnfollowAccount(ctx, accountId)
	}
	handle := coordinator.Mutate(
		client.EntityRelationship,
		accountId,
		client.Record{"following": following},
		operation,
	)
	if handle == nil {
		Out.Printf("already %v", following)
		return
	}
	<-handle.Done()
	if err := handle.Err(); err != nil {
		Err.Fatalf("%s: %s", handle.State(), err)
	}
	Out.Printf("%s", handle.State())
}

func favourite(opts docopt.Opts) {
	ctx := context.Background()
	api := newApi(opts)
	defer api.Close()

	statusId, _ := opts.String("<status_id>")

	entities := client.NewEntityTableWithDefaults()
	coordinator := client.NewMutationCoordinatorWithDefaults(ctx, entities)
	defer coordinator.Close()

	handle := coordinator.Mutate(
		client.EntityStatus,
		statusId,
		client.Record{"favourited": true},
		func(ctx context.Context) (map[string]any, error) {
			return api.FavouriteStatus(ctx, statusId)
		},
	)
	if handle == nil {
		Out.Printf("already favourited")
		return
	}
	<-handle.Done()
	if err := handle.Err(); err != nil {
		Err.Fatalf("%s: %s", handle.State(), err)
	}
	Out.Printf("%s", handle.State())
}

func relationships(opts docopt.Opts) {
	ctx := context.Background()
	api := newApi(opts)
	defer api.Close()

	accountIds, _ := opts["<account_id>"].([]string)

	entities := client.NewEntityTableWithDefaults()
	loader := client.NewRelationshipLoaderWithDefaults(
		entities,
		api.FetchRelationships,
		api.FetchGroupRelationships,
	)

	records, err := loader.LoadRelationships(ctx, accountIds)
	if err != nil {
		Err.Printf("partial load: %s", err)
	}
	for _, record := range records {
		Out.Printf(
			"%s following=%v followed_by=%v muting=%v blocking=%v",
			record.Id(),
			record.Bool("following"),
			record.Bool("followed_by"),
			record.Bool("muting"),
			record.Bool("blocking"),
		)
	}
}
