// Authors: Rohan Adla, Arrio Gonsalves, Shreyan Nalwad, Dylan Setiawan
// Date: Dec 12th 2025
// Project: Parametric Empirical Bayes for Hierarchical Model Inversion
// Class: 02-613 at Caregie Mellon University

package peb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// InvertColumns inverts every column of grid as an independent hierarchy.
// grid[i][j] is unit i of hierarchy j. Columns run concurrently, at most
// the engine's worker count at a time, and a failing column never stops
// the others. Columns that had not started when ctx was cancelled carry
// the context error.
// Returns: one ColumnResult per column, in column order
func (e *Engine) InvertColumns(ctx context.Context, grid [][]Ref, cfg Config, sel Selector) []ColumnResult {
	// 1. Split the grid into columns
	cols := 0
	for _, row := range grid {
		cols = max(cols, len(row))
	}
	results := make([]ColumnResult, cols)
	columns := make([][]Ref, cols)
	for j := 0; j < cols; j++ {
		results[j].Column = j
		for i, row := range grid {
			if j >= len(row) {
				results[j].Err = fmt.Errorf("column %d: unit %d has no entry", j, i)
				break
			}
			columns[j] = append(columns[j], row[j])
		}
	}

	// 2. Fan out, each worker owning exactly one slot of results
	run := e.logger.With("run", uuid.NewString())
	var g errgroup.Group
	g.SetLimit(e.workers)
	for j := 0; j < cols; j++ {
		if results[j].Err != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			results[j].Err = err
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[j].Err = err
				return nil
			}
			start := time.Now()
			logger := run.With("column", j)
			res, units, err := e.invert(ctx, logger, columns[j], cfg, sel)
			iterations := 0
			if res != nil {
				iterations = res.Iterations
			}
			e.metrics.observe(err, iterations, time.Since(start))
			if err != nil {
				logger.Error("peb column failed", "error", err)
				err = fmt.Errorf("column %d: %w", j, err)
			}
			results[j] = ColumnResult{Column: j, Result: res, Units: units, Err: err}
			return nil
		})
	}

	// 3. Fan in
	_ = g.Wait()
	return results
}
