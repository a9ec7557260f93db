package console

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldharbor/workerd/internal/netmsg"
	"github.com/coldharbor/workerd/internal/vmpool"
)

func TestServerClientRoundtripsSnapshot(t *testing.T) {
	pool := vmpool.New(vmpool.Config{
		Size:           2,
		Template:       writeTemplate(t),
		KernelPath:     "/nonexistent/vmlinux",
		FirecrackerBin: "/bin/true",
		VCPUCount:      1,
		MemSizeMiB:     128,
		DiskDir:        t.TempDir(),
		ListenAddr:     "127.0.0.1:0",
		Timeout:        time.Second,
		MsgDir:         netmsg.NewDir(t.TempDir()),
	})

	srv := NewServer(pool)
	sockPath := filepath.Join(t.TempDir(), "status.sock")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(ctx, sockPath) }()

	var client *Client
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := Dial(sockPath)
		if err == nil {
			client = c
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, client, "never managed to dial the status socket")
	defer client.Close()

	snap, err := client.Read()
	require.NoError(t, err)
	assert.Len(t, snap.Slots, 2)
	for _, s := range snap.Slots {
		assert.Equal(t, "BOOT", s.State)
	}

	cancel()
	<-serveErr
}

func writeTemplate(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "template.img")
	require.NoError(t, os.WriteFile(path, []byte("rootfs placeholder"), 0o644))
	return path
}
