// Package decoder turns contract event logs into named values using their ABI.
package decoder

import (
	"errors"
	"fmt"
	"sync"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/hedeqiang/derby/event"
	abiutil "github.com/hedeqiang/derby/internal/abi"
)

// ErrDecodeMismatch is returned when a log is not an instance of a registered event,
// or its topics/data do not fit the event's layout.
var ErrDecodeMismatch = errors.New("decoder: log does not match event")

// eventDef is a registered event with its indexed arguments precomputed.
// abi holds just this event, for struct unpacking.
type eventDef struct {
	event   gethabi.Event
	indexed gethabi.Arguments
	abi     gethabi.ABI
}

// Decoder decodes logs of the events registered with it, keyed by topic0.
//
// Decoding is non-strict: trailing bytes after the last data word are ignored,
// but a topic count or data layout that does not fit the event is a mismatch.
type Decoder struct {
	mu     sync.RWMutex
	events map[common.Hash]*eventDef
}

// New creates a decoder with no events.
func New() *Decoder {
	return &Decoder{events: make(map[common.Hash]*eventDef)}
}

func (d *Decoder) add(ev gethabi.Event, topic common.Hash) {
	def := &eventDef{
		event: ev,
		abi:   gethabi.ABI{Events: map[string]gethabi.Event{ev.Name: ev}},
	}
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			def.indexed = append(def.indexed, arg)
		}
	}
	d.mu.Lock()
	d.events[topic] = def
	d.mu.Unlock()
}

// Register adds an event given as a Solidity declaration, replacing any event
// registered under the same topic0, e.g.
// "RaceExecuted(uint256 indexed raceId, address indexed player, uint256 horseId, uint256[3] winners, uint256 payout, bool won)".
func (d *Decoder) Register(signature string) error {
	parsed, err := abiutil.ParseEventSignature(signature)
	if err != nil {
		return fmt.Errorf("decoder: %w", err)
	}
	ev, err := parsed.ABIEvent()
	if err != nil {
		return fmt.Errorf("decoder: %w", err)
	}
	d.add(ev, parsed.Topic())
	return nil
}

// Decode matches log against the registered events by topic0 and unpacks it.
func (d *Decoder) Decode(log event.Log) (*Event, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("%w: log has no topics", ErrDecodeMismatch)
	}
	d.mu.RLock()
	def, ok := d.events[log.Topics[0]]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown event signature %s", ErrDecodeMismatch, log.Topics[0].Hex())
	}

	name := def.event.Name
	if len(log.Topics)-1 != len(def.indexed) {
		return nil, fmt.Errorf("%w: %s expects %d indexed topics, log has %d",
			ErrDecodeMismatch, name, len(def.indexed), len(log.Topics)-1)
	}

	params := make(map[string]interface{}, len(def.event.Inputs))
	if err := gethabi.ParseTopicsIntoMap(params, def.indexed, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("%w: %s topics: %v", ErrDecodeMismatch, name, err)
	}
	if data := def.event.Inputs.NonIndexed(); len(data) > 0 {
		if err := data.UnpackIntoMap(params, log.Data); err != nil {
			return nil, fmt.Errorf("%w: %s data: %v", ErrDecodeMismatch, name, err)
		}
	}
	return &Event{Name: name, Signature: def.event.Sig, Params: params, Raw: log, def: def}, nil
}

// Event is a decoded log.
type Event struct {
	Name      string
	Signature string

	// Params holds indexed and data arguments by name.
	Params map[string]interface{}

	Raw event.Log

	def *eventDef
}

// Bind unpacks the event into a struct the way abigen bindings do: fields are
// matched by abi tag or camel-cased argument name (raceId -> RaceId).
func (e *Event) Bind(out interface{}) error {
	if len(e.Raw.Data) > 0 {
		if err := e.def.abi.UnpackIntoInterface(out, e.Name, e.Raw.Data); err != nil {
			return fmt.Errorf("%w: bind %s data: %v", ErrDecodeMismatch, e.Name, err)
		}
	}
	if err := gethabi.ParseTopics(out, e.def.indexed, e.Raw.Topics[1:]); err != nil {
		return fmt.Errorf("%w: bind %s topics: %v", ErrDecodeMismatch, e.Name, err)
	}
	return nil
}
