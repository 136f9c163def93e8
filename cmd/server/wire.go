package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/linnemanlabs/go-core/log"

	mc "github.com/linnemanlabs/mailwarden/internal/cfg"
	"github.com/linnemanlabs/mailwarden/internal/status"
	statusmem "github.com/linnemanlabs/mailwarden/internal/status/memstore"
	"github.com/linnemanlabs/mailwarden/internal/status/redisstore"
	"github.com/linnemanlabs/mailwarden/internal/status/sqlitestore"
)

// openStatusStore selects redis, sqlite or memory, in that order. The
// returned close function is never nil.
func openStatusStore(ctx context.Context, c *mc.Config, logger log.Logger) (status.Store, string, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	retention := c.StatusRetention()

	switch {
	case c.RedisURL != "":
		rdb, err := redisstore.Dial(ctx, c.RedisURL)
		if err != nil {
			return nil, "", nil, err
		}
		return redisstore.New(rdb, retention), "redis", func(context.Context) error { return rdb.Close() }, nil

	case c.StatusSQLitePath != "":
		s, err := sqlitestore.Open(c.StatusSQLitePath, retention)
		if err != nil {
			return nil, "", nil, err
		}
		pruneCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			pruneLoop(pruneCtx, s, time.Hour, logger)
		}()
		return s, "sqlite", func(context.Context) error {
			cancel()
			<-done
			return s.Close()
		}, nil
	}

	return statusmem.New(retention), "memory", noop, nil
}

type pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// pruneLoop deletes expired status records every interval until ctx is done.
func pruneLoop(ctx context.Context, p pruner, interval time.Duration, logger log.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := p.Prune(ctx)
			if err != nil {
				logger.Error(ctx, err, "status prune failed")
				continue
			}
			if n > 0 {
				logger.Info(ctx, "pruned expired status records", "count", n)
			}
		}
	}
}

// waitFor adapts a done channel to the shutdown stop function signature.
func waitFor(done <-chan struct{}) func(context.Context) error {
	return func(ctx context.Context) error {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
