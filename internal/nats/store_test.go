package nats

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/support-router/internal/store"
	"github.com/capitalize-ai/support-router/internal/store/storetest"
	"github.com/capitalize-ai/support-router/pkg/logger"
)

func TestMessageSubject(t *testing.T) {
	require.Equal(t, SubjectPrefix+".abc.msg", MessageSubject("abc"))
}

// NATS_TEST_URL must point at a disposable JetStream server; the support
// stream and buckets are deleted before every subtest.
func TestConversationStore_Contract(t *testing.T) {
	url := os.Getenv("NATS_TEST_URL")
	if url == "" {
		t.Skip("NATS_TEST_URL not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()

		client, err := Connect(ctx, Config{URL: url}, logger.NewNop())
		require.NoError(t, err)
		t.Cleanup(client.Close)

		js := client.JetStream()
		_ = js.DeleteStream(ctx, StreamName)
		for _, bucket := range []string{ConversationsBucket, OpenIndexBucket, AgentsBucket} {
			_ = js.DeleteKeyValue(ctx, bucket)
		}

		st, err := NewConversationStore(ctx, client)
		require.NoError(t, err)
		return st
	})
}
