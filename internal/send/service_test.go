//go:build unit

package send

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm-mailer/internal/account"
	"crm-mailer/internal/gateway"
	"crm-mailer/internal/message"
	"crm-mailer/internal/tracking"
)

func newTestService(t *testing.T) (*Service, *gateway.FakeGateway, *message.MemoryRepository) {
	t.Helper()

	gw := gateway.NewFake()
	repo := message.NewMemoryRepository()
	accounts, err := account.NewConfigResolver([]account.Account{
		{ID: "main", Host: "smtp.example.com", Port: 587, Email: "hello@example.com", DisplayName: "Acme CRM"},
	}, nil)
	require.NoError(t, err)

	codec := tracking.NewCodec("https://crm.example.com", []byte("secret"))
	seq := message.NewSeqAllocator(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	return NewService(gw, repo, seq, accounts, codec, nil), gw, repo
}

func TestNormalizeRecipients(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in       string
		expected []string
	}{
		{"a@x.com", []string{"a@x.com"}},
		{"a@x.com, b@x.com;c@x.com", []string{"a@x.com", "b@x.com", "c@x.com"}},
		{"A@x.com, a@x.com", []string{"A@x.com"}},
		{" a@x.com ,, ; ", []string{"a@x.com"}},
		{"", nil},
		{" ;, ", nil},
	}

	for _, c := range cases {
		assert.Equal(t, c.expected, NormalizeRecipients(c.in), c.in)
	}
}

func TestSendRejectsEmptyRecipient(t *testing.T) {
	t.Parallel()

	svc, gw, repo := newTestService(t)

	_, err := svc.Send(context.Background(), Input{To: " ; ,", Subject: "x", Body: "y"})
	assert.ErrorIs(t, err, ErrNoRecipient)
	assert.Equal(t, 0, gw.SendCount())
	assert.Empty(t, repo.All())
}

func TestSendPersistsOneRecordPerRecipient(t *testing.T) {
	t.Parallel()

	svc, gw, repo := newTestService(t)

	res, err := svc.Send(context.Background(), Input{
		To:      "a@x.com, b@x.com",
		Cc:      "boss@x.com",
		Subject: "hello",
		Body:    "<p>hello</p>",
	})
	require.NoError(t, err)

	assert.Len(t, res.Sent, 2)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 2, gw.SendCount())

	records := repo.All()
	require.Len(t, records, 2)
	for i, rec := range records {
		assert.Negative(t, rec.Seq)
		assert.Equal(t, message.FolderSent, rec.Folder)
		assert.True(t, rec.IsRead)
		assert.NotEmpty(t, rec.TrackingID)
		assert.Contains(t, rec.Body, "/track/open/"+rec.TrackingID)
		assert.Equal(t, "boss@x.com", rec.Cc)
		assert.Equal(t, rec.MessageID, rec.ThreadID, "a fresh send threads on its own id")
		assert.Equal(t, res.Sent[i].TrackingID, rec.TrackingID)
	}
	assert.NotEqual(t, records[0].Seq, records[1].Seq)
}

func TestSendIsIdempotentPerRecipient(t *testing.T) {
	t.Parallel()

	svc, gw, repo := newTestService(t)
	in := Input{To: "a@x.com", Subject: "hi", Body: "<p>hi</p>", IdempotencyKey: "job-42"}

	first, err := svc.Send(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, first.Sent, 1)
	assert.False(t, first.Sent[0].Reused)

	second, err := svc.Send(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, second.Sent, 1)
	assert.True(t, second.Sent[0].Reused)
	assert.Equal(t, first.Sent[0].Seq, second.Sent[0].Seq)

	// The second call never reached the transport and stored nothing new.
	assert.Equal(t, 1, gw.SendCount())
	assert.Len(t, repo.All(), 1)
}

func TestSendMixedCaseDuplicateRecipientsCollapse(t *testing.T) {
	t.Parallel()

	svc, gw, repo := newTestService(t)

	res, err := svc.Send(context.Background(), Input{To: "A@x.com, a@x.com", Subject: "hi", Body: "x"})
	require.NoError(t, err)

	assert.Len(t, res.Sent, 1)
	assert.Equal(t, 1, gw.SendCount())
	assert.Len(t, repo.All(), 1)
}

func TestSendPartialFailure(t *testing.T) {
	t.Parallel()

	svc, gw, repo := newTestService(t)
	gw.FailFor["bad@x.com"] = errors.New("550 mailbox unavailable")

	res, err := svc.Send(context.Background(), Input{
		To:      "a@x.com, bad@x.com, c@x.com",
		Subject: "hi",
		Body:    "x",
	})
	require.NoError(t, err)

	assert.Len(t, res.Sent, 2)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "bad@x.com", res.Failed[0].Recipient)
	assert.Len(t, repo.All(), 2)
}

func TestSendClassifiesReputationFailures(t *testing.T) {
	t.Parallel()

	svc, gw, _ := newTestService(t)
	gw.FailFor["a@x.com"] = errors.New("550 5.7.1 SPF check failed")

	res, err := svc.Send(context.Background(), Input{To: "a@x.com", Subject: "hi", Body: "x"})
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.ErrorIs(t, res.Failed[0].Err, gateway.ErrReputation)
}

func TestSendRetriesSeqConflictOnce(t *testing.T) {
	t.Parallel()

	svc, _, repo := newTestService(t)

	// Occupy the next sequence number to simulate a concurrent writer.
	seq := message.NewSeqAllocator(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	repo.SeedSeqConflict(seq.Next())

	res, err := svc.Send(context.Background(), Input{To: "a@x.com", Subject: "hi", Body: "x"})
	require.NoError(t, err)
	require.Len(t, res.Sent, 1)

	records := repo.All()
	require.Len(t, records, 1)
	assert.Equal(t, seq.Next(), records[0].Seq, "regenerated past the conflict")
}

func TestSendCountsOutcomesPerRecipient(t *testing.T) {
	t.Parallel()

	svc, gw, _ := newTestService(t)
	sent := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "test_send_sent_messages_total"}, []string{"pipe", "status"})
	svc = svc.WithMetrics(sent)

	gw.FailFor["bad@x.com"] = errors.New("550 mailbox unavailable")

	in := Input{To: "a@x.com, bad@x.com", Subject: "hi", Body: "x", IdempotencyKey: "job-7"}
	_, err := svc.Send(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(sent.WithLabelValues("send", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sent.WithLabelValues("send", "failed")))

	// Resending the same request replays the stored record instead of
	// counting another delivery.
	_, err = svc.Send(context.Background(), Input{To: "a@x.com", Subject: "hi", Body: "x", IdempotencyKey: "job-7"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(sent.WithLabelValues("send", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sent.WithLabelValues("send", "reused")))
}

func TestSendThreadsRepliesOnConversationRoot(t *testing.T) {
	t.Parallel()

	svc, _, repo := newTestService(t)

	res, err := svc.Send(context.Background(), Input{
		To:         "a@x.com",
		Subject:    "Re: hello",
		Body:       "x",
		InReplyTo:  "<parent@x>",
		References: []string{"<root@x>", "<parent@x>"},
	})
	require.NoError(t, err)
	require.Len(t, res.Sent, 1)

	rec := repo.All()[0]
	assert.Equal(t, "root@x", rec.ThreadID)
	assert.Equal(t, "parent@x", rec.InReplyTo)
	assert.Equal(t, []string{"root@x", "parent@x"}, rec.References)
}
