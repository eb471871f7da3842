package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/osmtools/pbf-ingester/service"
	"github.com/osmtools/pbf-ingester/service/log"
)

// Phases of an extraction job, in fixed precedence order
type Phase int

const (
	PhaseCells Phase = iota
	PhaseNodes
	PhaseElements
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseCells:
		return "Cells"
	case PhaseNodes:
		return "Nodes"
	case PhaseElements:
		return "Elements"
	case PhaseComplete:
		return "Complete"
	}
	return "Unknown"
}

// StatusResponse is the job status payload. All fields are optional and
// default to zero/absent.
type StatusResponse struct {
	Complete   bool  `json:"Complete"`
	CellsTotal int64 `json:"CellsTotal"`
	CellsProg  int64 `json:"CellsProg"`
	NodesTotal int64 `json:"NodesTotal"`
	NodesProg  int64 `json:"NodesProg"`
	ElemsTotal int64 `json:"ElemsTotal"`
	ElemsProg  int64 `json:"ElemsProg"`
}

// PhaseCounts tracks per-phase totals and progress as running maxima across
// polls: a later report can never decrease a previously seen value, which
// defends the displayed progress against backend jitter.
type PhaseCounts struct {
	CellsTotal, CellsProg int64
	NodesTotal, NodesProg int64
	ElemsTotal, ElemsProg int64
}

// Update merges a status report into the running maxima
func (pc *PhaseCounts) Update(s StatusResponse) {
	pc.CellsTotal = max(pc.CellsTotal, s.CellsTotal)
	pc.CellsProg = max(pc.CellsProg, s.CellsProg)
	pc.NodesTotal = max(pc.NodesTotal, s.NodesTotal)
	pc.NodesProg = max(pc.NodesProg, s.NodesProg)
	pc.ElemsTotal = max(pc.ElemsTotal, s.ElemsTotal)
	pc.ElemsProg = max(pc.ElemsProg, s.ElemsProg)
}

// Active returns the first phase, in precedence order, whose progress is
// strictly below its total, and the combined fraction: progress of completed
// phases plus the active phase's progress, over the sum of all totals.
// When every known phase is complete it reports (PhaseComplete, 1).
func (pc PhaseCounts) Active() (Phase, float64) {
	total := pc.CellsTotal + pc.NodesTotal + pc.ElemsTotal
	if total == 0 {
		return PhaseCells, 0
	}
	switch {
	case pc.CellsTotal > 0 && pc.CellsProg < pc.CellsTotal:
		return PhaseCells, float64(pc.CellsProg) / float64(total)
	case pc.NodesTotal > 0 && pc.NodesProg < pc.NodesTotal:
		return PhaseNodes, float64(pc.CellsTotal+pc.NodesProg) / float64(total)
	case pc.ElemsTotal > 0 && pc.ElemsProg < pc.ElemsTotal:
		return PhaseElements, float64(pc.CellsTotal+pc.NodesTotal+pc.ElemsProg) / float64(total)
	}
	return PhaseComplete, 1
}

// Poller drives an extraction job to completion
type Poller struct {
	// Interval between two status polls (default 500ms)
	Interval time.Duration
	// ProgressFunc, if set, receives the active phase and the combined
	// fraction after each poll
	ProgressFunc func(phase Phase, fraction float64)
}

// PollToCompletion polls the job status at a fixed interval until the
// response carries the completion flag, which is the sole terminal
// condition. The displayed fraction never decreases and saturates to 100%
// on completion.
func (p *Poller) PollToCompletion(ctx context.Context, sess *Session, job Job) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	counts := PhaseCounts{}
	lastFraction := 0.0
	for {
		if err := service.Sleep(ctx, interval); err != nil {
			return err
		}
		status, err := pollOnce(ctx, sess, job)
		if err != nil {
			return fmt.Errorf("PollToCompletion.%w", err)
		}
		counts.Update(status)
		phase, fraction := counts.Active()
		if status.Complete {
			phase, fraction = PhaseComplete, 1
		}
		if fraction < lastFraction {
			fraction = lastFraction
		} else {
			lastFraction = fraction
		}

		log.Logger(ctx).Sugar().Debugf("job %s: %s %.2f%%", job.UUID, phase, 100*fraction)
		if p.ProgressFunc != nil {
			p.ProgressFunc(phase, fraction)
		}
		if status.Complete {
			return nil
		}
	}
}

func pollOnce(ctx context.Context, sess *Session, job Job) (StatusResponse, error) {
	resp, err := sess.Get(ctx, job.StatusURL)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("pollOnce.Get: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return StatusResponse{}, fmt.Errorf("pollOnce.ReadAll: %w", err)
	}
	if resp.StatusCode != 200 {
		err := fmt.Errorf("pollOnce[%s]: %s: %s", job.StatusURL, resp.Status, body)
		if resp.StatusCode >= 500 {
			return StatusResponse{}, service.MakeTemporary(err)
		}
		return StatusResponse{}, err
	}
	var status StatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return StatusResponse{}, fmt.Errorf("pollOnce.Unmarshal [%s]: %w", body, err)
	}
	return status, nil
}
