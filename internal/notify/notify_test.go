package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Notification {
	return Notification{RecipientID: "emp-1", Title: "SLA at risk", Message: "case CL-1 is close to its deadline", CaseID: "CL-1"}
}

func TestWebhookPostsJSON(t *testing.T) {
	var (
		got    Notification
		header http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	hook := NewWebhook(srv.URL, 0)
	hook.Secret = "s3cret"
	require.NoError(t, hook.Notify(context.Background(), sample()))
	assert.Equal(t, sample(), got)
	assert.Equal(t, "CL-1", header.Get("X-Caseline-Case"))
	assert.Equal(t, "s3cret", header.Get("X-Caseline-Secret"))
}

func TestWebhookNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, 0).Notify(context.Background(), sample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

type fakeKafka struct{ msgs []kafka.Message }

func (f *fakeKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaKeysByRecipient(t *testing.T) {
	w := &fakeKafka{}
	k := &Kafka{Writer: w}
	require.NoError(t, k.Notify(context.Background(), sample()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "emp-1", string(w.msgs[0].Key))
	var n Notification
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &n))
	assert.Equal(t, "CL-1", n.CaseID)
	assert.NoError(t, k.Close())
}

type fakeSQS struct{ inputs []*sqs.SendMessageInput }

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, in)
	return &sqs.SendMessageOutput{}, nil
}

func TestSQSSendsToQueue(t *testing.T) {
	client := &fakeSQS{}
	s := &SQS{Client: client, QueueURL: "http://localhost:4566/000000000000/notifications"}
	require.NoError(t, s.Notify(context.Background(), sample()))
	require.Len(t, client.inputs, 1)
	assert.Equal(t, s.QueueURL, *client.inputs[0].QueueUrl)
	assert.Contains(t, *client.inputs[0].MessageBody, `"recipient_id":"emp-1"`)
	assert.Equal(t, "emp-1", *client.inputs[0].MessageAttributes["recipient_id"].StringValue)
}

type failing struct{ err error }

func (f failing) Notify(context.Context, Notification) error { return f.err }

func TestMultiTriesEverySink(t *testing.T) {
	w := &fakeKafka{}
	boom := errors.New("boom")
	err := Multi{failing{boom}, &Kafka{Writer: w}}.Notify(context.Background(), sample())
	assert.ErrorIs(t, err, boom)
	assert.Len(t, w.msgs, 1)
}
