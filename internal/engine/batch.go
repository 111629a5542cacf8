package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/bitbridge-tools/jlsync/internal/lark"
)

// Batcher executes planned operations against one sink table. Creates go
// through the batch endpoint in adaptively sized chunks, falling back to
// one-by-one creation when a chunk fails so a single poisoned row cannot
// sink its whole chunk. The sink has no batch update, so updates always
// go row by row.
type Batcher struct {
	sink     SinkClient
	appToken string
	tableID  string
	logger   *log.Logger
}

// NewBatcher returns a Batcher bound to one table.
func NewBatcher(sink SinkClient, appToken, tableID string, logger *log.Logger) *Batcher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Batcher{sink: sink, appToken: appToken, tableID: tableID, logger: logger}
}

// Execute runs all operations and reports a per-operation outcome. It
// keeps going past individual failures.
func (b *Batcher) Execute(ctx context.Context, ops []Operation) []Outcome {
	var creates, updates []Operation
	outcomes := make([]Outcome, 0, len(ops))

	for _, op := range ops {
		switch {
		case len(op.Fields) == 0:
			outcomes = append(outcomes, failed(op, fmt.Errorf("no projected fields")))
		case op.Kind == OpUpdate && op.RecordID == "":
			outcomes = append(outcomes, failed(op, fmt.Errorf("update without record id")))
		case op.Kind == OpUpdate:
			updates = append(updates, op)
		default:
			creates = append(creates, op)
		}
	}

	outcomes = append(outcomes, b.executeCreates(ctx, creates)...)
	outcomes = append(outcomes, b.executeUpdates(ctx, updates)...)
	return outcomes
}

func (b *Batcher) executeCreates(ctx context.Context, ops []Operation) []Outcome {
	if len(ops) == 0 {
		return nil
	}

	size := chunkSize(ops)
	b.logger.Printf("creating %d records in chunks of %d", len(ops), size)

	var outcomes []Outcome
	for start := 0; start < len(ops); start += size {
		end := start + size
		if end > len(ops) {
			end = len(ops)
		}
		outcomes = append(outcomes, b.createChunk(ctx, ops[start:end])...)
	}
	return outcomes
}

func (b *Batcher) createChunk(ctx context.Context, ops []Operation) []Outcome {
	rows := make([]map[string]any, len(ops))
	for i, op := range ops {
		rows[i] = op.Fields
	}

	ids, err := b.sink.BatchCreate(ctx, b.appToken, b.tableID, rows)
	if err == nil && len(ids) == len(ops) {
		outcomes := make([]Outcome, len(ops))
		for i, op := range ops {
			outcomes[i] = Outcome{
				Key: op.Key, Kind: OpCreate, RecordID: ids[i],
				SourceUpdatedMS: op.SourceUpdatedMS,
			}
		}
		return outcomes
	}

	if err != nil {
		b.logger.Printf("batch create of %d records failed, retrying individually: %v", len(ops), err)
	} else {
		b.logger.Printf("batch create returned %d ids for %d records, retrying individually", len(ids), len(ops))
	}
	return b.createIndividually(ctx, ops)
}

func (b *Batcher) createIndividually(ctx context.Context, ops []Operation) []Outcome {
	outcomes := make([]Outcome, 0, len(ops))
	for _, op := range ops {
		id, err := b.sink.CreateRecord(ctx, b.appToken, b.tableID, op.Fields)
		if err != nil {
			outcomes = append(outcomes, failed(op, fmt.Errorf("create record: %w", err)))
			continue
		}
		outcomes = append(outcomes, Outcome{
			Key: op.Key, Kind: OpCreate, RecordID: id,
			SourceUpdatedMS: op.SourceUpdatedMS,
		})
	}
	return outcomes
}

func (b *Batcher) executeUpdates(ctx context.Context, ops []Operation) []Outcome {
	outcomes := make([]Outcome, 0, len(ops))
	for _, op := range ops {
		err := b.sink.UpdateRecord(ctx, b.appToken, b.tableID, op.RecordID, op.Fields)
		if err != nil {
			outcomes = append(outcomes, failed(op, fmt.Errorf("update record %s: %w", op.RecordID, err)))
			continue
		}
		outcomes = append(outcomes, Outcome{
			Key: op.Key, Kind: OpUpdate, RecordID: op.RecordID,
			SourceUpdatedMS: op.SourceUpdatedMS,
		})
	}
	return outcomes
}

func failed(op Operation, err error) Outcome {
	kind := op.Kind
	if kind == "" {
		kind = OpCreate
	}
	return Outcome{
		Key: op.Key, Kind: kind, RecordID: op.RecordID,
		SourceUpdatedMS: op.SourceUpdatedMS, Err: err,
	}
}

// chunkSize picks the batch-create chunk size from record complexity,
// sampled over the first few operations. Wide or long rows get smaller
// chunks so one request stays inside the sink's payload comfort zone.
func chunkSize(ops []Operation) int {
	if len(ops) == 0 {
		return lark.MaxBatchSize
	}

	sample := len(ops)
	if sample > 10 {
		sample = 10
	}

	var totalFields, totalLength int
	for _, op := range ops[:sample] {
		totalFields += len(op.Fields)
		if data, err := json.Marshal(op.Fields); err == nil {
			totalLength += len(data)
		}
	}
	avgFields := totalFields / sample
	avgLength := totalLength / sample

	switch {
	case avgFields > 20 || avgLength > 2000:
		return 200
	case avgFields > 10 || avgLength > 1000:
		return 350
	default:
		return lark.MaxBatchSize
	}
}
