// Copyright 2025 Nguyen Nhat Nguyen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package worker

import (
	"context"
	"fmt"
	"sync"
)

type Worker[Job any] func(context.Context, Job)

// BlockingPool spawns size workers pulling from jobs and blocks until the
// channel is closed or ctx is cancelled.
//
// The caller must ensure that jobs eventually gets closed or the context gets cancelled.
// A panicking job is swallowed so that one bad item cannot take the pool down.
func BlockingPool[Job any](ctx context.Context, size int, jobs <-chan Job, worker Worker[Job]) {
	if size <= 0 {
		size = 1
	}
	wg := sync.WaitGroup{}
	for range size {
		wg.Go(func() {
			// wg.Go requires that func does not panic
			defer func() { _ = recover() }()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-jobs:
					if !ok {
						return
					}
					worker(ctx, job)
				}
			}
		})
	}

	wg.Wait()
}

// Result pairs the output of one Map item with its error.
type Result[Out any] struct {
	Value Out
	Err   error
}

// Map runs fn over items on a BlockingPool of at most size workers and
// returns results in input order. Items never reached because ctx ended
// carry ctx.Err(); items whose fn panicked carry an error as well, so every
// slot is either a value or an error.
func Map[In, Out any](ctx context.Context, size int, items []In, fn func(context.Context, In) (Out, error)) []Result[Out] {
	results := make([]Result[Out], len(items))
	if len(items) == 0 {
		return results
	}
	if size > len(items) {
		size = len(items)
	}

	done := make([]bool, len(items))
	jobs := make(chan int, len(items))
	for i := range items {
		jobs <- i
	}
	close(jobs)

	BlockingPool(ctx, size, jobs, func(ctx context.Context, i int) {
		defer func() {
			if rec := recover(); rec != nil {
				results[i] = Result[Out]{Err: fmt.Errorf("worker: item %d panicked: %v", i, rec)}
				done[i] = true
			}
		}()
		v, err := fn(ctx, items[i])
		results[i] = Result[Out]{Value: v, Err: err}
		done[i] = true
	})

	for i := range results {
		if !done[i] {
			err := ctx.Err()
			if err == nil {
				err = fmt.Errorf("worker: item %d not processed", i)
			}
			results[i].Err = err
		}
	}
	return results
}
