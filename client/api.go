package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

// one page of entities plus the pagination cursors from the Link header
type ListResult struct {
	Items   []map[string]any
	NextUrl string
	PrevUrl string
}

// Api wraps the server's JSON-over-HTTP surface. pagination is
// conveyed via Link-header next/prev cursor urls.
type Api struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	accessToken string

	requests *KeyedRequests
}

func NewApi(apiUrl string) *Api {
	return NewApiWithContext(context.Background(), apiUrl)
}

func NewApiWithContext(ctx context.Context, apiUrl string) *Api {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Api{
		ctx:      cancelCtx,
		cancel:   cancel,
		apiUrl:   apiUrl,
		requests: NewKeyedRequests(),
	}
}

// this gets attached to api calls that need it
func (self *Api) SetAccessToken(accessToken string) {
	self.accessToken = accessToken
}

func (self *Api) Close() {
	self.cancel()
}

// timelineUrl maps a view key to its fetch url
func (self *Api) timelineUrl(viewKey ViewKey) (string, error) {
	name, arg, _ := strings.Cut(string(viewKey), ":")
	switch name {
	case "home":
		return fmt.Sprintf("%s/api/v1/timelines/home", self.apiUrl), nil
	case "public":
		if arg == "local" {
			return fmt.Sprintf("%s/api/v1/timelines/public?local=true", self.apiUrl), nil
		}
		return fmt.Sprintf("%s/api/v1/timelines/public", self.apiUrl), nil
	case "hashtag":
		return fmt.Sprintf("%s/api/v1/timelines/tag/%s", self.apiUrl, url.PathEscape(arg)), nil
	case "account":
		return fmt.Sprintf("%s/api/v1/accounts/%s/statuses", self.apiUrl, url.PathEscape(arg)), nil
	case "group":
		return fmt.Sprintf("%s/api/v1/timelines/group/%s", self.apiUrl, url.PathEscape(arg)), nil
	case "list":
		return fmt.Sprintf("%s/api/v1/timelines/list/%s", self.apiUrl, url.PathEscape(arg)), nil
	}
	return "", fmt.Errorf("unknown view key: %s", viewKey)
}

// FetchTimeline fetches one timeline page. pageUrl is a cursor url
// from a previous page's Link header, or empty for the view's root url.
func (self *Api) FetchTimeline(ctx context.Context, viewKey ViewKey, pageUrl string) (*ListResult, error) {
	fetchUrl := pageUrl
	if fetchUrl == "" {
		var err error
		fetchUrl, err = self.timelineUrl(viewKey)
		if err != nil {
			return nil, err
		}
	}
	return self.getList(ctx, "timeline", fetchUrl)
}

func (self *Api) FetchNotifications(ctx context.Context, pageUrl string) (*ListResult, error) {
	fetchUrl := pageUrl
	if fetchUrl == "" {
		fetchUrl = fmt.Sprintf("%s/api/v1/notifications", self.apiUrl)
	}
	return self.getList(ctx, "notifications", fetchUrl)
}

func (self *Api) FetchRelationships(ctx context.Context, ids []string) ([]map[string]any, error) {
	return self.getRelationships(ctx, fmt.Sprintf("%s/api/v1/accounts/relationships", self.apiUrl), ids)
}

func (self *Api) FetchGroupRelationships(ctx context.Context, ids []string) ([]map[string]any, error) {
	return self.getRelationships(ctx, fmt.Sprintf("%s/api/v1/groups/relationships", self.apiUrl), ids)
}

func (self *Api) getRelationships(ctx context.Context, baseUrl string, ids []string) ([]map[string]any, error) {
	query := url.Values{}
	for _, id := range ids {
		query.Add("id[]", id)
	}
	fetchUrl := fmt.Sprintf("%s?%s", baseUrl, query.Encode())
	result, err := self.getList(ctx, "relationships", fetchUrl)
	if err != nil {
		return nil, err
	}
	return result.Items, nil
}

func (self *Api) VerifyCredentials(ctx context.Context) (map[string]any, error) {
	fetchUrl := fmt.Sprintf("%s/api/v1/accounts/verify_credentials", self.apiUrl)
	result := map[string]any{}
	_, err := getJson(ctx, fetchUrl, self.accessToken, &result)
	return result, err
}

func (self *Api) FollowAccount(ctx context.Context, accountId string) (map[string]any, error) {
	return self.postEntity(ctx, "follow", fmt.Sprintf("%s/api/v1/accounts/%s/follow", self.apiUrl, url.PathEscape(accountId)))
}

func (self *Api) UnfollowAccount(ctx context.Context, accountId string) (map[string]any, error) {
	return self.postEntity(ctx, "unfollow", fmt.Sprintf("%s/api/v1/accounts/%s/unfollow", self.apiUrl, url.PathEscape(accountId)))
}

func (self *Api) MuteAccount(ctx context.Context, accountId string) (map[string]any, error) {
	return self.postEntity(ctx, "mute", fmt.Sprintf("%s/api/v1/accounts/%s/mute", self.apiUrl, url.PathEscape(accountId)))
}

func (self *Api) UnmuteAccount(ctx context.Context, accountId string) (map[string]any, error) {
	return self.postEntity(ctx, "unmute", fmt.Sprintf("%s/api/v1/accounts/%s/unmute", self.apiUrl, url.PathEscape(accountId)))
}

func (self *Api) BlockAccount(ctx context.Context, accountId string) (map[string]any, error) {
	return self.postEntity(ctx, "block", fmt.Sprintf("%s/api/v1/accounts/%s/block", self.apiUrl, url.PathEscape(accountId)))
}

func (self *Api) UnblockAccount(ctx context.Context, accountId string) (map[string]any, error) {
	return self.postEntity(ctx, "unblock", fmt.Sprintf("%s/api/v1/accounts/%s/unblock", self.apiUrl, url.PathEscape(accountId)))
}

func (self *Api) FavouriteStatus(ctx context.Context, statusId string) (map[string]any, error) {
	return self.postEntity(ctx, "favourite", fmt.Sprintf("%s/api/v1/statuses/%s/favourite", self.apiUrl, url.PathEscape(statusId)))
}

func (self *Api) UnfavouriteStatus(ctx context.Context, statusId string) (map[string]any, error) {
	return self.postEntity(ctx, "unfavourite", fmt.Sprintf("%s/api/v1/statuses/%s/unfavourite", self.apiUrl, url.PathEscape(statusId)))
}

func (self *Api) ReblogStatus(ctx context.Context, statusId string) (map[string]any, error) {
	return self.postEntity(ctx, "reblog", fmt.Sprintf("%s/api/v1/statuses/%s/reblog", self.apiUrl, url.PathEscape(statusId)))
}

func (self *Api) UnreblogStatus(ctx context.Context, statusId string) (map[string]any, error) {
	return self.postEntity(ctx, "unreblog", fmt.Sprintf("%s/api/v1/statuses/%s/unreblog", self.apiUrl, url.PathEscape(statusId)))
}

func (self *Api) JoinGroup(ctx context.Context, groupId string) (map[string]any, error) {
	return self.postEntity(ctx, "join", fmt.Sprintf("%s/api/v1/groups/%s/join", self.apiUrl, url.PathEscape(groupId)))
}

func (self *Api) LeaveGroup(ctx context.Context, groupId string) (map[string]any, error) {
	return self.postEntity(ctx, "leave", fmt.Sprintf("%s/api/v1/groups/%s/leave", self.apiUrl, url.PathEscape(groupId)))
}

// SearchAccounts is a keyed typeahead request. a newer call supersedes
// an in-flight one with the same key; the superseded response is
// discarded with ErrSuperseded rather than applied.
func (self *Api) SearchAccounts(ctx context.Context, q string) ([]map[string]any, error) {
	requestCtx, current := self.requests.Begin(ctx, "search:accounts")
	query := url.Values{}
	query.Set("q", q)
	fetchUrl := fmt.Sprintf("%s/api/v1/accounts/search?%s", self.apiUrl, query.Encode())
	items := []map[string]any{}
	_, err := getJson(requestCtx, fetchUrl, self.accessToken, &items)
	if !current() {
		return nil, ErrSuperseded
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (self *Api) getList(ctx context.Context, op string, fetchUrl string) (*ListResult, error) {
	items := []map[string]any{}
	header, err := getJson(ctx, fetchUrl, self.accessToken, &items)
	if err != nil {
		return nil, err
	}
	nextUrl, prevUrl := parseLinkHeader(header.Get("Link"))
	return &ListResult{
		Items:   items,
		NextUrl: nextUrl,
		PrevUrl: prevUrl,
	}, nil
}

func (self *Api) postEntity(ctx context.Context, op string, postUrl string) (map[string]any, error) {
	result := map[string]any{}
	err := postJson(ctx, postUrl, nil, self.accessToken, &result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func getJson[R any](ctx context.Context, fetchUrl string, accessToken string, result R) (http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fetchUrl, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", "application/json")
	if accessToken != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", accessToken))
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		return nil, NewNetworkError("GET", 0, err)
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, NewNetworkError("GET", r.StatusCode, err)
	}
	if r.StatusCode < 200 || 300 <= r.StatusCode {
		return nil, NewNetworkError("GET", r.StatusCode, nil)
	}

	if err := json.Unmarshal(responseBodyBytes, result); err != nil {
		return nil, err
	}
	return r.Header, nil
}

func postJson[R any](ctx context.Context, postUrl string, args any, accessToken string, result R) error {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", postUrl, bytes.NewReader(requestBodyBytes))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", accessToken))
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		return NewNetworkError("POST", 0, err)
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return NewNetworkError("POST", r.StatusCode, err)
	}
	if r.StatusCode < 200 || 300 <= r.StatusCode {
		// the response body is the error message
		return NewNetworkError(strings.TrimSpace(string(responseBodyBytes)), r.StatusCode, nil)
	}

	return json.Unmarshal(responseBodyBytes, result)
}

// parseLinkHeader extracts the next/prev cursor urls from a Link header
// of the form `<url>; rel="next", <url>; rel="prev"`
func parseLinkHeader(link string) (nextUrl string, prevUrl string) {
	for _, part := range strings.Split(link, ",") {
		sections := strings.Split(part, ";")
		if len(sections) < 2 {
			continue
		}
		linkUrl := strings.Trim(strings.TrimSpace(sections[0]), "<>")
		for _, section := range sections[1:] {
			switch strings.TrimSpace(section) {
			case `rel="next"`:
				nextUrl = linkUrl
			case `rel="prev"`:
				prevUrl = linkUrl
			}
		}
	}
	return
}

// KeyedRequests supersedes an in-flight request when a newer request
// begins with the same logical key. the older request's context is
// canceled and its eventual response must be discarded, to prevent a
// stale response overwriting a fresh one.
type KeyedRequests struct {
	stateLock   sync.Mutex
	generations map[string]uint64
	cancels     map[string]context.CancelFunc
}

func NewKeyedRequests() *KeyedRequests {
	return &KeyedRequests{
		generations: map[string]uint64{},
		cancels:     map[string]context.CancelFunc{},
	}
}

// Begin registers a new request under key. it returns the request
// context and a function that reports whether this request is still
// the current one for the key.
func (self *KeyedRequests) Begin(ctx context.Context, key string) (context.Context, func() bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if cancel, ok := self.cancels[key]; ok {
		cancel()
	}
	self.generations[key] += 1
	generation := self.generations[key]
	requestCtx, cancel := context.WithCancel(ctx)
	self.cancels[key] = cancel

	return requestCtx, func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		return self.generations[key] == generation
	}
}
