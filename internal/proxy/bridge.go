package proxy

import (
	"io"
	"log/slog"
	"sync"
)

type closeWriter interface {
	CloseWrite() error
}

// Bridge copies bytes between a and b in both directions and returns the
// byte counts once both directions are done. When one side reaches EOF the
// other side's write half is closed if it supports that, otherwise the
// whole connection is closed so the opposite copy unblocks.
func Bridge(a, b io.ReadWriteCloser) (aToB, bToA int64) {
	var wg sync.WaitGroup
	wg.Add(2)
	cp := func(dst, src io.ReadWriteCloser, n *int64, dir string) {
		defer wg.Done()
		var err error
		*n, err = io.Copy(dst, src)
		if err != nil {
			slog.Debug("proxy: copy ended with error", "dir", dir, "bytes", *n, "err", err)
		}
		if cw, ok := dst.(closeWriter); ok {
			_ = cw.CloseWrite()
			return
		}
		_ = dst.Close()
	}
	go cp(b, a, &aToB, "a->b")
	go cp(a, b, &bToA, "b->a")
	wg.Wait()
	return aToB, bToA
}
