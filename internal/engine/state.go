package engine

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/rendis/opgraph/pkg/schema"
)

const snapshotVersion = 1

// envelope is a routed message waiting for delivery.
type envelope struct {
	payload any
	source  string
	target  string
	wave    int
	seq     int64
}

// runState is the per-run arena. Only the scheduler goroutine touches it.
type runState struct {
	superstep int
	seq       int64
	queues    map[string][]envelope
	fanIn     map[string]map[string][]envelope
	pending   []InputRequest
	outputs   []any
}

func newRunState() *runState {
	return &runState{
		queues: make(map[string][]envelope),
		fanIn:  make(map[string]map[string][]envelope),
	}
}

func (s *runState) nextSeq() int64 {
	s.seq++
	return s.seq
}

func (s *runState) enqueue(target, source string, payload any) {
	s.queues[target] = append(s.queues[target], envelope{
		payload: payload, source: source, target: target, wave: s.superstep, seq: s.nextSeq(),
	})
}

func (s *runState) deposit(target, source string, payload any) {
	buf, ok := s.fanIn[target]
	if !ok {
		buf = make(map[string][]envelope)
		s.fanIn[target] = buf
	}
	buf[source] = append(buf[source], envelope{
		payload: payload, source: source, target: target, wave: s.superstep, seq: s.nextSeq(),
	})
}

// waveReady reports whether every producer of target has a buffered contribution.
func (s *runState) waveReady(target string, producers []string) bool {
	if len(producers) == 0 {
		return false
	}
	buf := s.fanIn[target]
	for _, p := range producers {
		if len(buf[p]) == 0 {
			return false
		}
	}
	return true
}

// popWave removes the oldest contribution of every producer, in producer order.
func (s *runState) popWave(target string, producers []string) []Contribution[any] {
	buf := s.fanIn[target]
	wave := make([]Contribution[any], len(producers))
	for i, p := range producers {
		wave[i] = Contribution[any]{Source: p, Payload: buf[p][0].payload}
		buf[p] = buf[p][1:]
		if len(buf[p]) == 0 {
			delete(buf, p)
		}
	}
	if len(buf) == 0 {
		delete(s.fanIn, target)
	}
	return wave
}

func (s *runState) hasWork(g *Graph) bool {
	for _, q := range s.queues {
		if len(q) > 0 {
			return true
		}
	}
	for target := range s.fanIn {
		if s.waveReady(target, g.producers[target]) {
			return true
		}
	}
	return false
}

// work is the ordered list of inputs one executor processes in a superstep.
type work struct {
	executorID string
	items      []workItem
}

type workItem struct {
	input      any
	collection bool
}

// takeWork drains all queued messages and complete fan-in waves, in executor declaration order.
func (s *runState) takeWork(g *Graph) []work {
	var out []work
	for _, id := range g.order {
		var items []workItem
		for _, env := range s.queues[id] {
			items = append(items, workItem{input: env.payload})
		}
		delete(s.queues, id)

		producers := g.producers[id]
		for s.waveReady(id, producers) {
			items = append(items, workItem{input: s.popWave(id, producers), collection: true})
		}
		if len(items) > 0 {
			out = append(out, work{executorID: id, items: items})
		}
	}
	return out
}

func (s *runState) addPending(req InputRequest) {
	s.pending = append(s.pending, req)
}

func (s *runState) takePending(id string) (InputRequest, bool) {
	idx := slices.IndexFunc(s.pending, func(r InputRequest) bool { return r.ID == id })
	if idx < 0 {
		return InputRequest{}, false
	}
	req := s.pending[idx]
	s.pending = slices.Delete(s.pending, idx, idx+1)
	return req, true
}

// --- Snapshots ---

type snapshotEnvelope struct {
	Payload encodedPayload `json:"payload"`
	Source  string         `json:"source,omitempty"`
	Target  string         `json:"target"`
	Wave    int            `json:"wave"`
	Seq     int64          `json:"seq"`
}

type snapshotRequest struct {
	ID             string          `json:"request_id"`
	ExecutorID     string          `json:"executor_id"`
	Payload        encodedPayload  `json:"payload"`
	ResponseSchema json.RawMessage `json:"response_schema,omitempty"`
	Superstep      int             `json:"superstep"`
}

// snapshot is the serialized form of a run at a superstep boundary.
type snapshot struct {
	Version       int                                      `json:"version"`
	CheckpointID  string                                   `json:"checkpoint_id"`
	RunID         string                                   `json:"run_id"`
	Graph         string                                   `json:"graph"`
	Superstep     int                                      `json:"superstep"`
	Sequence      int64                                    `json:"sequence"`
	Status        schema.RunStatus                         `json:"status"`
	Queues        map[string][]snapshotEnvelope            `json:"queues,omitempty"`
	FanIn         map[string]map[string][]snapshotEnvelope `json:"fan_in,omitempty"`
	Pending       []snapshotRequest                        `json:"pending,omitempty"`
	Outputs       []encodedPayload                         `json:"outputs,omitempty"`
	ExecutorState map[string]json.RawMessage               `json:"executor_state,omitempty"`
	CreatedAt     time.Time                                `json:"created_at"`
}

func (s *runState) encode(reg *TypeRegistry, snap *snapshot) error {
	snap.Superstep = s.superstep
	snap.Sequence = s.seq

	encodeEnvs := func(envs []envelope) ([]snapshotEnvelope, error) {
		out := make([]snapshotEnvelope, len(envs))
		for i, e := range envs {
			p, err := reg.encode(e.payload)
			if err != nil {
				return nil, err
			}
			out[i] = snapshotEnvelope{Payload: p, Source: e.source, Target: e.target, Wave: e.wave, Seq: e.seq}
		}
		return out, nil
	}

	snap.Queues = make(map[string][]snapshotEnvelope, len(s.queues))
	for id, q := range s.queues {
		envs, err := encodeEnvs(q)
		if err != nil {
			return err
		}
		snap.Queues[id] = envs
	}

	snap.FanIn = make(map[string]map[string][]snapshotEnvelope, len(s.fanIn))
	for target, buf := range s.fanIn {
		m := make(map[string][]snapshotEnvelope, len(buf))
		for source, q := range buf {
			envs, err := encodeEnvs(q)
			if err != nil {
				return err
			}
			m[source] = envs
		}
		snap.FanIn[target] = m
	}

	for _, req := range s.pending {
		p, err := reg.encode(req.Payload)
		if err != nil {
			return err
		}
		snap.Pending = append(snap.Pending, snapshotRequest{
			ID: req.ID, ExecutorID: req.ExecutorID, Payload: p,
			ResponseSchema: req.ResponseSchema, Superstep: req.Superstep,
		})
	}

	for _, out := range s.outputs {
		p, err := reg.encode(out)
		if err != nil {
			return err
		}
		snap.Outputs = append(snap.Outputs, p)
	}
	return nil
}

func decodeRunState(reg *TypeRegistry, snap *snapshot) (*runState, error) {
	s := newRunState()
	s.superstep = snap.Superstep
	s.seq = snap.Sequence

	decodeEnvs := func(envs []snapshotEnvelope) ([]envelope, error) {
		out := make([]envelope, len(envs))
		for i, e := range envs {
			p, err := reg.decode(e.Payload)
			if err != nil {
				return nil, err
			}
			out[i] = envelope{payload: p, source: e.Source, target: e.Target, wave: e.Wave, seq: e.Seq}
		}
		return out, nil
	}

	for id, q := range snap.Queues {
		envs, err := decodeEnvs(q)
		if err != nil {
			return nil, err
		}
		if len(envs) > 0 {
			s.queues[id] = envs
		}
	}

	for target, buf := range snap.FanIn {
		m := make(map[string][]envelope, len(buf))
		for source, q := range buf {
			envs, err := decodeEnvs(q)
			if err != nil {
				return nil, err
			}
			if len(envs) > 0 {
				m[source] = envs
			}
		}
		if len(m) > 0 {
			s.fanIn[target] = m
		}
	}

	for _, req := range snap.Pending {
		p, err := reg.decode(req.Payload)
		if err != nil {
			return nil, err
		}
		s.pending = append(s.pending, InputRequest{
			ID: req.ID, ExecutorID: req.ExecutorID, Payload: p,
			ResponseSchema: req.ResponseSchema, Superstep: req.Superstep,
		})
	}

	for _, enc := range snap.Outputs {
		p, err := reg.decode(enc)
		if err != nil {
			return nil, err
		}
		s.outputs = append(s.outputs, p)
	}
	return s, nil
}
