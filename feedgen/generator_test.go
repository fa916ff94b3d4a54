package feedgen

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeAlgorithm struct {
	name      string
	publisher string
	skeleton  Skeleton

	gotLimit     int
	gotCursor    string
	gotAccessDid string
	gotJWT       string
	calls        int
}

func (a *fakeAlgorithm) Name() string      { return a.name }
func (a *fakeAlgorithm) Publisher() string { return a.publisher }

func (a *fakeAlgorithm) Handle(limit int, cursor, accessDid, jwt string) Skeleton {
	a.calls++
	a.gotLimit = limit
	a.gotCursor = cursor
	a.gotAccessDid = accessDid
	a.gotJWT = jwt
	return a.skeleton
}

func testGenerator(t *testing.T, algorithms ...Algorithm) *Generator {
	t.Helper()
	g := NewGenerator("example.com",
		WithGeneratorLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	for _, a := range algorithms {
		g.AddAlgorithm(a)
	}
	return g
}

func bearerToken(t *testing.T, iss string) string {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"iss": iss})
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	segment := base64.RawURLEncoding.EncodeToString
	return segment([]byte(`{"alg":"ES256K"}`)) + "." + segment(payload) + "." + segment([]byte("sig"))
}

func TestHandleSkeletonDispatch(t *testing.T) {
	algo := &fakeAlgorithm{
		name:      "taste",
		publisher: "did:web:example.com",
		skeleton: Skeleton{Feed: []SkeletonPost{
			{Post: "at://did:plc:alice/app.bsky.feed.post/1"},
		}},
	}
	g := testGenerator(t, algo)

	req := httptest.NewRequest(http.MethodGet,
		"/xrpc/app.bsky.feed.getFeedSkeleton?feed=at://did:web:example.com/app.bsky.feed.generator/taste&limit=5", nil)
	rec := httptest.NewRecorder()
	g.handleSkeleton(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if algo.calls != 1 || algo.gotLimit != 5 || algo.gotCursor != "" {
		t.Errorf("algorithm called with limit=%d cursor=%q calls=%d", algo.gotLimit, algo.gotCursor, algo.calls)
	}

	var skel Skeleton
	if err := json.Unmarshal(rec.Body.Bytes(), &skel); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(skel.Feed) != 1 || skel.Feed[0].Post != algo.skeleton.Feed[0].Post {
		t.Errorf("skeleton = %+v", skel)
	}
}

func TestHandleSkeletonUnknownFeed(t *testing.T) {
	g := testGenerator(t, &fakeAlgorithm{name: "taste", publisher: "did:web:example.com"})

	for _, feed := range []string{
		"at://did:web:example.com/app.bsky.feed.generator/other",
		"at://did:web:other.com/app.bsky.feed.generator/taste",
		"at://did:web:example.com/app.bsky.graph.list/taste",
		"not-a-uri",
		"",
	} {
		req := httptest.NewRequest(http.MethodGet,
			"/xrpc/app.bsky.feed.getFeedSkeleton?feed="+feed, nil)
		rec := httptest.NewRecorder()
		g.handleSkeleton(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("feed %q: status = %d, want 404", feed, rec.Code)
		}
		if rec.Body.String() != "NG" {
			t.Errorf("feed %q: body = %q, want NG", feed, rec.Body.String())
		}
	}
}

func TestHandleSkeletonInvalidLimit(t *testing.T) {
	algo := &fakeAlgorithm{name: "taste", publisher: "did:web:example.com"}
	g := testGenerator(t, algo)

	req := httptest.NewRequest(http.MethodGet,
		"/xrpc/app.bsky.feed.getFeedSkeleton?feed=at://did:web:example.com/app.bsky.feed.generator/taste&limit=abc", nil)
	rec := httptest.NewRecorder()
	g.handleSkeleton(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if algo.calls != 0 {
		t.Errorf("algorithm called %d times on invalid limit", algo.calls)
	}
}

func TestHandleSkeletonDefaultLimitAndJWT(t *testing.T) {
	algo := &fakeAlgorithm{name: "taste", publisher: "did:web:example.com"}
	g := testGenerator(t, algo)
	token := bearerToken(t, "did:plc:viewer")

	req := httptest.NewRequest(http.MethodGet,
		"/xrpc/app.bsky.feed.getFeedSkeleton?feed=at://did:web:example.com/app.bsky.feed.generator/taste&cursor=abc", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	g.handleSkeleton(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if algo.gotLimit != -1 {
		t.Errorf("default limit = %d, want -1", algo.gotLimit)
	}
	if algo.gotCursor != "abc" {
		t.Errorf("cursor = %q", algo.gotCursor)
	}
	if algo.gotAccessDid != "did:plc:viewer" {
		t.Errorf("accessDid = %q, want did:plc:viewer", algo.gotAccessDid)
	}
	if algo.gotJWT != token {
		t.Errorf("jwt = %q", algo.gotJWT)
	}
}

func TestHandleDidDocument(t *testing.T) {
	g := testGenerator(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/did.json", nil)
	rec := httptest.NewRecorder()
	g.handleDidDocument(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var doc didDocument
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Id != "did:web:example.com" {
		t.Errorf("id = %q", doc.Id)
	}
	if len(doc.Service) != 1 {
		t.Fatalf("service = %+v", doc.Service)
	}
	svc := doc.Service[0]
	if svc.Id != "#bsky_fg" || svc.Type != "BskyFeedGenerator" || svc.ServiceEndpoint != "https://example.com" {
		t.Errorf("service = %+v", svc)
	}
}

func TestHandleDescribe(t *testing.T) {
	g := testGenerator(t,
		&fakeAlgorithm{name: "taste", publisher: "did:web:example.com"},
		&fakeAlgorithm{name: "fresh", publisher: "did:plc:pub"},
	)

	req := httptest.NewRequest(http.MethodGet, "/xrpc/app.bsky.feed.describeFeedGenerator", nil)
	rec := httptest.NewRecorder()
	g.handleDescribe(rec, req)

	var resp describeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Did != "did:web:example.com" {
		t.Errorf("did = %q", resp.Did)
	}
	want := []string{
		"at://did:web:example.com/app.bsky.feed.generator/taste",
		"at://did:plc:pub/app.bsky.feed.generator/fresh",
	}
	if len(resp.Feeds) != len(want) {
		t.Fatalf("feeds = %+v", resp.Feeds)
	}
	for i, uri := range want {
		if resp.Feeds[i].Uri != uri {
			t.Errorf("feeds[%d] = %q, want %q", i, resp.Feeds[i].Uri, uri)
		}
	}
}

func TestAddAlgorithmReplaces(t *testing.T) {
	first := &fakeAlgorithm{name: "taste", publisher: "did:web:example.com"}
	second := &fakeAlgorithm{name: "taste", publisher: "did:web:example.com"}
	g := testGenerator(t, first, second)

	req := httptest.NewRequest(http.MethodGet,
		"/xrpc/app.bsky.feed.getFeedSkeleton?feed=at://did:web:example.com/app.bsky.feed.generator/taste", nil)
	rec := httptest.NewRecorder()
	g.handleSkeleton(rec, req)

	if first.calls != 0 || second.calls != 1 {
		t.Errorf("calls = %d/%d, want the replacement to serve", first.calls, second.calls)
	}

	g.RemoveAlgorithm(second)
	rec = httptest.NewRecorder()
	g.handleSkeleton(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status after removal = %d, want 404", rec.Code)
	}
}

func TestJWTIssuer(t *testing.T) {
	token := bearerToken(t, "did:plc:viewer")
	if got := jwtIssuer(token); got != "did:plc:viewer" {
		t.Errorf("jwtIssuer = %q", got)
	}
	for _, bad := range []string{"", "only.two", "a.!!!.c", "a." + base64.RawURLEncoding.EncodeToString([]byte("not json")) + ".c"} {
		if got := jwtIssuer(bad); got != "" {
			t.Errorf("jwtIssuer(%q) = %q, want empty", bad, got)
		}
	}
}

func TestRecoverPanics(t *testing.T) {
	g := testGenerator(t)
	handler := g.recoverPanics(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	req := httptest.NewRequest(http.MethodGet, "/xrpc/app.bsky.feed.getFeedSkeleton", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
