package streaming

import "context"

// messageContext implements catalog.TransformContext for one consumed
// record, carrying its broker coordinates for DLQ annotation.
type messageContext struct {
	ctx         context.Context
	partition   int32
	offset      int64
	timestampMS int64
}

func (c *messageContext) Context() context.Context  { return c.ctx }
func (c *messageContext) SourcePartition() int32     { return c.partition }
func (c *messageContext) SourceOffset() int64        { return c.offset }
func (c *messageContext) SourceTimestampMS() int64   { return c.timestampMS }
