package server

import (
	"github.com/texie/texie/ingest"
	"github.com/texie/texie/protocol"
	"github.com/texie/texie/store"
)

// Reserved stream names answered by the server itself instead of the
// store. TIME is the server clock in whole unix seconds, FTIME the
// same with sub-second resolution.
const (
	StreamTime      = "TIME"
	StreamFloatTime = "FTIME"
)

// CentralHandler is the hub-side handler: writes go into the
// ingestion pipeline, reads come from the document store, and the
// reserved clock streams are answered from the pipeline's shared
// coarse clock.
type CentralHandler struct {
	pipeline *ingest.Pipeline
	store    store.Store
}

func NewCentralHandler(pipeline *ingest.Pipeline, st store.Store) *CentralHandler {
	return &CentralHandler{pipeline: pipeline, store: st}
}

func (h *CentralHandler) HandleWrite(account string, req protocol.WriteRequest) error {
	h.pipeline.Enqueue(account, req.Stream, req.Value)
	return nil
}

func (h *CentralHandler) HandleRead(account string, stream string) (protocol.Value, bool, error) {
	switch stream {
	case StreamTime:
		return protocol.Int(h.pipeline.Clock().Millis() / 1000), true, nil
	case StreamFloatTime:
		return protocol.Float(float64(h.pipeline.Clock().Millis()) / 1000), true, nil
	}
	return h.store.Latest(account, stream)
}
