package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pricefeed-gateway/internal/apiclient"
	"pricefeed-gateway/internal/email"
	"pricefeed-gateway/internal/jobs"
	"pricefeed-gateway/internal/objectstore"
	"pricefeed-gateway/internal/queue"
)

type testEnv struct {
	pipeline  *Pipeline
	store     *queue.Store
	transport *email.MockTransport
	objects   *objectstore.MemoryStore
	requests  []apiclient.Request
}

func newTestEnv(t *testing.T, batchSize int, apiHandler http.HandlerFunc) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	env := &testEnv{
		store:     queue.NewStore(client, "test:", time.Hour, zap.NewNop()),
		transport: email.NewMockTransport(),
		objects:   objectstore.NewMemoryStore(),
	}
	if apiHandler == nil {
		apiHandler = func(w http.ResponseWriter, r *http.Request) {
			var req apiclient.Request
			dec := json.NewDecoder(r.Body)
			dec.UseNumber()
			if err := dec.Decode(&req); err != nil {
				t.Error(err)
			}
			env.requests = append(env.requests, req)
			json.NewEncoder(w).Encode(apiclient.Response{Success: true})
		}
	}
	srv := httptest.NewServer(apiHandler)
	t.Cleanup(srv.Close)

	api := apiclient.New(srv.URL, "/pricelists", "", "", 5*time.Second, zap.NewNop())
	env.pipeline = New(env.store, env.transport, env.objects, api, nil, zap.NewNop(), Config{BatchSize: batchSize})
	return env
}

func seedCSV(env *testEnv, filename, content string) string {
	return env.transport.Seed(email.Message{
		From:       "supplier@example.com",
		Subject:    "January prices",
		ReceivedAt: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		Attachments: []email.Attachment{
			{Filename: filename, ContentType: "text/csv", Data: []byte(content)},
		},
	})
}

func TestPollStoresAttachmentAndEnqueuesSplit(t *testing.T) {
	env := newTestEnv(t, 1000, nil)
	ctx := context.Background()
	id := seedCSV(env, "prices.csv", "sku,price\nA,1.50\n")

	if err := env.pipeline.PollEmails(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if env.objects.Len() != 1 {
		t.Errorf("objects stored = %d", env.objects.Len())
	}
	depth, _ := env.store.QueueDepth(ctx, jobs.QueueDefault)
	if depth != 1 {
		t.Errorf("split jobs enqueued = %d", depth)
	}
	if !env.transport.IsProcessed(id) {
		t.Error("message not marked processed")
	}

	j, err := env.store.Fetch(ctx, []string{jobs.QueueDefault}, "w/0", time.Minute)
	if err != nil || j == nil {
		t.Fatalf("fetch split job: %v", err)
	}
	if j.Handler != HandlerSplitFile {
		t.Errorf("handler = %s", j.Handler)
	}
	var fd FileDescriptor
	if err := json.Unmarshal(j.Payload, &fd); err != nil {
		t.Fatal(err)
	}
	if fd.EmailID != id || fd.Filename != "prices.csv" || fd.Sender != "supplier@example.com" {
		t.Errorf("descriptor = %+v", fd)
	}
	if !strings.Contains(fd.ObjectKey, "csv-files/") || !strings.HasSuffix(fd.ObjectKey, "_prices.csv") {
		t.Errorf("object key = %q", fd.ObjectKey)
	}
	if j.ConcurrencyKey != "csv-split:"+fd.ObjectKey {
		t.Errorf("concurrency key = %q", j.ConcurrencyKey)
	}
}

func TestPollMessageWithoutCSVIsMarkedProcessed(t *testing.T) {
	env := newTestEnv(t, 1000, nil)
	ctx := context.Background()
	id := env.transport.Seed(email.Message{
		From:        "spam@example.com",
		Attachments: []email.Attachment{{Filename: "cat.png", ContentType: "image/png"}},
	})

	if err := env.pipeline.PollEmails(ctx, nil); err != nil {
		t.Fatal(err)
	}
	if !env.transport.IsProcessed(id) {
		t.Error("no-attachment message should still be marked processed")
	}
	depth, _ := env.store.QueueDepth(ctx, jobs.QueueDefault)
	if depth != 0 {
		t.Errorf("unexpected jobs, depth = %d", depth)
	}
}

func splitFixture(t *testing.T, env *testEnv, content string) []byte {
	t.Helper()
	key := "csv-files/2024/01/15/fixture_prices.csv"
	if err := env.objects.Put(context.Background(), key, int64(len(content)), "text/csv", strings.NewReader(content)); err != nil {
		t.Fatal(err)
	}
	fd := FileDescriptor{
		EmailID:    "email-1",
		Filename:   "prices.csv",
		Sender:     "supplier@example.com",
		Subject:    "January prices",
		ReceivedAt: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		ObjectKey:  key,
	}
	payload, err := json.Marshal(fd)
	if err != nil {
		t.Fatal(err)
	}
	return payload
}

func TestSplitChainsBatchesInOrder(t *testing.T) {
	env := newTestEnv(t, 2, nil)
	ctx := context.Background()

	// 5 rows at batch size 2 make 3 batches: 2, 2, 1.
	var sb strings.Builder
	sb.WriteString("sku,price\n")
	for i := 1; i <= 5; i++ {
		fmt.Fprintf(&sb, "S%d,%d.50\n", i, i)
	}
	payload := splitFixture(t, env, sb.String())

	if err := env.pipeline.SplitFile(ctx, payload); err != nil {
		t.Fatal(err)
	}

	// Only batch 1 is runnable; the rest await their predecessors.
	depth, _ := env.store.QueueDepth(ctx, jobs.QueueDefault)
	if depth != 1 {
		t.Fatalf("runnable jobs = %d, want 1", depth)
	}

	wantRows := []int{2, 2, 1}
	for k := 1; k <= 3; k++ {
		j, err := env.store.Fetch(ctx, []string{jobs.QueueDefault}, "w/0", time.Minute)
		if err != nil || j == nil {
			t.Fatalf("fetch batch %d: %v", k, err)
		}
		var bd BatchDescriptor
		if err := decodePayload(j.Payload, &bd); err != nil {
			t.Fatal(err)
		}
		if bd.BatchNumber != k || bd.TotalBatches != 3 {
			t.Errorf("batch %d: got %d/%d", k, bd.BatchNumber, bd.TotalBatches)
		}
		if len(bd.Rows) != wantRows[k-1] {
			t.Errorf("batch %d rows = %d, want %d", k, len(bd.Rows), wantRows[k-1])
		}
		if bd.IsLast() != (k == 3) {
			t.Errorf("batch %d IsLast = %v", k, bd.IsLast())
		}
		if j.ConcurrencyKey != "dispatch:email-1" {
			t.Errorf("batch %d concurrency key = %q", k, j.ConcurrencyKey)
		}
		// Completing batch k releases batch k+1.
		if err := env.store.Complete(ctx, j.ID, "w/0"); err != nil {
			t.Fatal(err)
		}
	}

	depth, _ = env.store.QueueDepth(ctx, jobs.QueueDefault)
	if depth != 0 {
		t.Errorf("leftover jobs after all batches, depth = %d", depth)
	}
}

func TestSplitBatchCountAtBoundary(t *testing.T) {
	// Exactly batchSize rows make one batch; one more row makes two.
	cases := []struct {
		rows     int
		batches  int
		lastRows int
	}{
		{2, 1, 2},
		{3, 2, 1},
	}
	for _, tc := range cases {
		env := newTestEnv(t, 2, nil)
		ctx := context.Background()

		var sb strings.Builder
		sb.WriteString("sku,price\n")
		for i := 1; i <= tc.rows; i++ {
			fmt.Fprintf(&sb, "S%d,%d.50\n", i, i)
		}
		if err := env.pipeline.SplitFile(ctx, splitFixture(t, env, sb.String())); err != nil {
			t.Fatal(err)
		}

		var last BatchDescriptor
		for k := 1; k <= tc.batches; k++ {
			j, err := env.store.Fetch(ctx, []string{jobs.QueueDefault}, "w/0", time.Minute)
			if err != nil || j == nil {
				t.Fatalf("%d rows: fetch batch %d: %v", tc.rows, k, err)
			}
			if err := decodePayload(j.Payload, &last); err != nil {
				t.Fatal(err)
			}
			if err := env.store.Complete(ctx, j.ID, "w/0"); err != nil {
				t.Fatal(err)
			}
		}
		if last.TotalBatches != tc.batches || !last.IsLast() || len(last.Rows) != tc.lastRows {
			t.Errorf("%d rows: final batch = %d/%d with %d rows",
				tc.rows, last.BatchNumber, last.TotalBatches, len(last.Rows))
		}
		depth, _ := env.store.QueueDepth(ctx, jobs.QueueDefault)
		if depth != 0 {
			t.Errorf("%d rows: leftover jobs, depth = %d", tc.rows, depth)
		}
	}
}

func TestSplitHeaderOnlyCreatesNoJobs(t *testing.T) {
	env := newTestEnv(t, 1000, nil)
	payload := splitFixture(t, env, "sku,price\n")

	if err := env.pipeline.SplitFile(context.Background(), payload); err != nil {
		t.Fatal(err)
	}
	depth, _ := env.store.QueueDepth(context.Background(), jobs.QueueDefault)
	if depth != 0 {
		t.Errorf("expected no dispatch jobs, depth = %d", depth)
	}
}

func TestSplitMalformedCSVFailsPermanently(t *testing.T) {
	env := newTestEnv(t, 1000, nil)
	payload := splitFixture(t, env, "sku,price\n\"unclosed,1.50\n")

	err := env.pipeline.SplitFile(context.Background(), payload)
	if err == nil {
		t.Fatal("expected error for malformed csv")
	}
	if !jobs.IsPermanent(err) {
		t.Errorf("malformed csv should be permanent, got %v", err)
	}
}

func TestSplitMissingObjectFailsPermanently(t *testing.T) {
	env := newTestEnv(t, 1000, nil)
	fd := FileDescriptor{EmailID: "email-1", ObjectKey: "csv-files/does/not/exist.csv"}
	payload, _ := json.Marshal(fd)

	err := env.pipeline.SplitFile(context.Background(), payload)
	if err == nil || !jobs.IsPermanent(err) {
		t.Errorf("missing object should be permanent, got %v", err)
	}
}

func makeBatchPayload(t *testing.T, bd BatchDescriptor) []byte {
	t.Helper()
	data, err := json.Marshal(bd)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestDispatchSendsBatchAndRepliesOnLast(t *testing.T) {
	env := newTestEnv(t, 1000, nil)
	ctx := context.Background()

	bd := BatchDescriptor{
		FileDescriptor: FileDescriptor{
			EmailID:    "email-1",
			Filename:   "prices.csv",
			Sender:     "supplier@example.com",
			Subject:    "January prices",
			ReceivedAt: time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		},
		BatchNumber:  2,
		TotalBatches: 2,
		Rows:         []map[string]any{{"sku": "A", "price": json.Number("1.50")}},
	}
	if err := env.pipeline.DispatchBatch(ctx, makeBatchPayload(t, bd)); err != nil {
		t.Fatal(err)
	}

	if len(env.requests) != 1 {
		t.Fatalf("api requests = %d", len(env.requests))
	}
	req := env.requests[0]
	if !req.IsLast || req.FileName != "prices.csv" || req.SenderEmail != "supplier@example.com" {
		t.Errorf("request = %+v", req)
	}
	if req.Data[0]["price"] != json.Number("1.50") {
		t.Errorf("price did not survive the round trip: %#v", req.Data[0]["price"])
	}

	replies := env.transport.Replies()
	if len(replies) != 1 {
		t.Fatalf("replies = %d", len(replies))
	}
	if replies[0].To != "supplier@example.com" || replies[0].Subject != "Re: January prices" {
		t.Errorf("reply = %+v", replies[0])
	}
	if !strings.Contains(replies[0].Body, "prices.csv") || !strings.Contains(replies[0].Body, "2 batch(es)") {
		t.Errorf("reply body = %q", replies[0].Body)
	}
}

func TestDispatchNonLastBatchSendsNoReply(t *testing.T) {
	env := newTestEnv(t, 1000, nil)
	bd := BatchDescriptor{
		FileDescriptor: FileDescriptor{EmailID: "e", Filename: "f.csv", Sender: "s@example.com"},
		BatchNumber:    1,
		TotalBatches:   3,
	}
	if err := env.pipeline.DispatchBatch(context.Background(), makeBatchPayload(t, bd)); err != nil {
		t.Fatal(err)
	}
	if len(env.transport.Replies()) != 0 {
		t.Error("reply sent before the last batch")
	}
}

func TestDispatchRejectionIsRetryable(t *testing.T) {
	env := newTestEnv(t, 1000, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(apiclient.Response{Success: false, Message: "try later"})
	})
	bd := BatchDescriptor{
		FileDescriptor: FileDescriptor{EmailID: "e", Filename: "f.csv", Sender: "s@example.com"},
		BatchNumber:    1,
		TotalBatches:   1,
	}
	err := env.pipeline.DispatchBatch(context.Background(), makeBatchPayload(t, bd))
	if err == nil {
		t.Fatal("expected error for success=false")
	}
	if jobs.IsPermanent(err) {
		t.Error("api rejection must stay retryable")
	}
	if len(env.transport.Replies()) != 0 {
		t.Error("reply sent for a failed batch")
	}
}
