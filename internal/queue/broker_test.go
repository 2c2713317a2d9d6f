package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/htbase/archivist/internal/archive"
	queuememory "github.com/htbase/archivist/internal/queue/memory"
)

func TestBrokerRoutesByKind(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	snap := queuememory.New(queuememory.Config{Capacity: 1, VisibilityTimeout: time.Minute}, zap.NewNop())
	pdf := queuememory.New(queuememory.Config{Capacity: 1, VisibilityTimeout: time.Minute}, zap.NewNop())
	defer snap.Close()
	defer pdf.Close()
	b.Register(archive.KindSnapshot, snap)
	b.Register(archive.KindPDF, pdf)

	ctx := context.Background()
	require.NoError(t, b.Enqueue(ctx, archive.TaskMessage{TaskID: "t1", Kind: archive.KindPDF}))

	d, err := pdf.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "t1", d.Message.TaskID)

	dctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = snap.Dequeue(dctx)
	require.Error(t, err)
}

func TestBrokerUnknownKind(t *testing.T) {
	t.Parallel()

	b := NewBroker()
	err := b.Enqueue(context.Background(), archive.TaskMessage{Kind: archive.KindScreenshot})
	require.Error(t, err)
}
