// Package abi parses human-readable Solidity event signatures into go-ethereum ABI events.
package abi

import (
	"errors"
	"fmt"
	"strings"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

var errTuple = errors.New("tuple parameters are not supported")

// EventSignatureHash is the topic0 of a canonical signature such as
// "RaceExecuted(uint256,address,uint256,uint256[3],uint256,bool)".
func EventSignatureHash(canonical string) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(canonical))
	return common.BytesToHash(h.Sum(nil))
}

// ParsedEvent is an event signature split into its name and parameters.
type ParsedEvent struct {
	Name   string
	Params []ParsedParam
}

// ParsedParam is one event parameter. Name may be empty.
type ParsedParam struct {
	Type    string
	Name    string
	Indexed bool
}

// Canonical returns the signature with names and modifiers stripped.
func (p *ParsedEvent) Canonical() string {
	var b strings.Builder
	b.WriteString(p.Name)
	b.WriteByte('(')
	for i, param := range p.Params {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(param.Type)
	}
	b.WriteByte(')')
	return b.String()
}

// Topic returns topic0 of the event.
func (p *ParsedEvent) Topic() common.Hash {
	return EventSignatureHash(p.Canonical())
}

// ABIEvent builds the go-ethereum event. Unnamed parameters become argN so
// they survive map and struct unpacking.
func (p *ParsedEvent) ABIEvent() (gethabi.Event, error) {
	args := make(gethabi.Arguments, 0, len(p.Params))
	for i, param := range p.Params {
		typ, err := gethabi.NewType(param.Type, "", nil)
		if err != nil {
			return gethabi.Event{}, fmt.Errorf("abi: %s parameter %d: %w", p.Name, i, err)
		}
		name := param.Name
		if name == "" {
			name = fmt.Sprintf("arg%d", i)
		}
		args = append(args, gethabi.Argument{Name: name, Type: typ, Indexed: param.Indexed})
	}
	return gethabi.NewEvent(p.Name, p.Name, false, args), nil
}

// ParseEventSignature accepts both the canonical form and the declaration form
// with names and indexed markers, optionally prefixed by "event ":
//
//	RaceExecuted(uint256,address,uint256,uint256[3],uint256,bool)
//	event RaceExecuted(uint256 indexed raceId, address indexed player, ...)
func ParseEventSignature(sig string) (*ParsedEvent, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(sig), "event ")
	name, rest, ok := strings.Cut(trimmed, "(")
	body, closed := strings.CutSuffix(strings.TrimSpace(rest), ")")
	if !ok || !closed {
		return nil, fmt.Errorf("abi: malformed event signature %q", sig)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("abi: missing event name in %q", sig)
	}

	ev := &ParsedEvent{Name: name}
	if strings.TrimSpace(body) == "" {
		return ev, nil
	}
	for i, field := range strings.Split(body, ",") {
		param, err := parseParam(field)
		if err != nil {
			return nil, fmt.Errorf("abi: %q parameter %d: %w", sig, i, err)
		}
		ev.Params = append(ev.Params, param)
	}
	return ev, nil
}

func parseParam(field string) (ParsedParam, error) {
	if strings.ContainsAny(field, "()") {
		return ParsedParam{}, errTuple
	}
	tokens := strings.Fields(field)
	if len(tokens) == 0 {
		return ParsedParam{}, errors.New("empty parameter")
	}
	p := ParsedParam{Type: expandAlias(tokens[0])}
	for _, tok := range tokens[1:] {
		if tok == "indexed" {
			p.Indexed = true
			continue
		}
		if p.Name != "" {
			return ParsedParam{}, fmt.Errorf("unexpected token %q", tok)
		}
		p.Name = tok
	}
	return p, nil
}

// expandAlias rewrites uint and int to their 256-bit names, keeping any array suffix.
func expandAlias(typ string) string {
	base, dims := typ, ""
	if i := strings.IndexByte(typ, '['); i >= 0 {
		base, dims = typ[:i], typ[i:]
	}
	switch base {
	case "uint", "int":
		base += "256"
	}
	return base + dims
}
