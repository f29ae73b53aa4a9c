package notify

import (
	"context"
	"sync"
	"time"

	logx "matchbot/pkg/logx"
)

// BatchResult aggregates a fan-out. FailureReasons maps recipient id to
// what went wrong (gate name or delivery error).
type BatchResult struct {
	Successful     int
	Failed         int
	FailureReasons map[int64]string
}

// SendBatch delivers a fan-out in chunks: requests inside one chunk go
// out concurrently, chunks are separated by a fixed pause. One bad
// recipient never short-circuits the rest.
func (s *Service) SendBatch(ctx context.Context, reqs []Request) BatchResult {
	res := BatchResult{FailureReasons: map[int64]string{}}
	if len(reqs) == 0 {
		return res
	}

	var mu sync.Mutex
	chunk := s.cfg.BatchChunkSize
	for start := 0; start < len(reqs); start += chunk {
		if ctx.Err() != nil {
			mu.Lock()
			for _, req := range reqs[start:] {
				res.Failed++
				res.FailureReasons[req.RecipientID] = ctx.Err().Error()
			}
			mu.Unlock()
			break
		}

		end := start + chunk
		if end > len(reqs) {
			end = len(reqs)
		}

		var wg sync.WaitGroup
		for _, req := range reqs[start:end] {
			req := req
			wg.Add(1)
			go func() {
				defer wg.Done()
				r := s.Send(ctx, req)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case r.Delivered:
					res.Successful++
				case r.Blocked:
					res.Failed++
					res.FailureReasons[req.RecipientID] = string(r.Reason)
				default:
					res.Failed++
					res.FailureReasons[req.RecipientID] = r.Err.Error()
				}
			}()
		}
		wg.Wait()

		if end < len(reqs) {
			t := time.NewTimer(s.cfg.BatchPause)
			select {
			case <-t.C:
			case <-ctx.Done():
				if !t.Stop() {
					<-t.C
				}
			}
		}
	}

	s.log.Debug("batch finished",
		logx.Int("total", len(reqs)),
		logx.Int("ok", res.Successful),
		logx.Int("failed", res.Failed))
	return res
}
