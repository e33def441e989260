package dataset

import (
	"context"
	"sync"
)

// Batch is one micro-batch handed to the training loop.
type Batch struct {
	Index    int
	Examples []Example
}

// Loader prefetches micro-batches with a bounded pool of workers feeding a
// bounded queue. Workers only read dataset state; the training loop is the
// sole consumer. The loader cycles through the dataset until the context is
// cancelled, so epochs are invisible to the step loop.
type Loader struct {
	examples  []Example
	batchSize int
	workers   int
}

func NewLoader(examples []Example, batchSize, workers int) *Loader {
	if workers < 0 {
		workers = 0
	}
	return &Loader{
		examples:  examples,
		batchSize: batchSize,
		workers:   workers,
	}
}

// Run starts the prefetch pipeline. With zero workers batches are assembled
// synchronously on a single goroutine.
func (l *Loader) Run(ctx context.Context) <-chan Batch {
	starts := make([]int, 0, (len(l.examples)+l.batchSize-1)/l.batchSize)
	for s := 0; s < len(l.examples); s += l.batchSize {
		starts = append(starts, s)
	}

	// an empty dataset yields no batches; close immediately so the consumer
	// sees a closed stream instead of blocking
	if len(starts) == 0 {
		out := make(chan Batch)
		close(out)
		return out
	}

	if l.workers == 0 {
		out := make(chan Batch)
		go func() {
			defer close(out)
			index := 0
			for {
				for _, s := range starts {
					select {
					case out <- l.assemble(index, s):
						index++
					case <-ctx.Done():
						return
					}
				}
			}
		}()
		return out
	}

	jobs := make(chan job, l.workers)
	out := make(chan Batch, l.workers*2)

	go func() {
		defer close(jobs)
		index := 0
		for {
			for _, s := range starts {
				select {
				case jobs <- job{index: index, start: s}:
					index++
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	wg := &sync.WaitGroup{}
	for i := 0; i < l.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				select {
				case out <- l.assemble(j.index, j.start):
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}

type job struct {
	index int
	start int
}

func (l *Loader) assemble(index, start int) Batch {
	end := start + l.batchSize
	if end > len(l.examples) {
		end = len(l.examples)
	}
	return Batch{Index: index, Examples: l.examples[start:end]}
}
