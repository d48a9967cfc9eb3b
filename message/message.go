// Package message defines the RPC envelope carried inside a datapack marker file.
//
// Envelope is the unit of RPC. The producer embeds it as the item custom data of a
// hover event in the pack description; the codec layer digs it out and validates it,
// and the server dispatches it by method.
package message

import (
	"fmt"
	"math"
)

// Method selects a handler variant.
type Method string

const (
	MethodPing Method = "ping"
	MethodChat Method = "chat"
	MethodSum  Method = "sum"
)

// Envelope carries the data for a single RPC call.
//
//   - ID is the producer-assigned correlation token. It is logged, never used for dedup.
//   - Params holds exactly one variant, matching Method.
//   - Callback names the function that receives the result (sum only).
type Envelope struct {
	ID       float64
	Method   Method
	Params   Params
	Callback string
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s#%g", e.Method, e.ID)
}

// Params is the closed set of method payloads. Only types in this package implement it.
type Params interface {
	method() Method
}

// PingParams carries no fields.
type PingParams struct{}

// ChatParams is the free-text prompt forwarded to the chat backend.
type ChatParams struct {
	Message string `json:"message"`
}

// SumParams holds the two operands of a sum call.
type SumParams struct {
	A float64 `json:"a"`
	B float64 `json:"b"`
}

func (PingParams) method() Method { return MethodPing }
func (ChatParams) method() Method { return MethodChat }
func (SumParams) method() Method  { return MethodSum }

// MethodOf reports the method a params value belongs to.
func MethodOf(p Params) Method {
	if p == nil {
		return ""
	}
	return p.method()
}

// SumResult is the payload handed to a sum callback. A nil Result encodes as null, which is
// what a sum that overflows to infinity reports.
type SumResult struct {
	Result *float64 `json:"result"`
}

// NewSumResult wraps a sum, mapping ±Inf and NaN to a null result.
func NewSumResult(v float64) SumResult {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return SumResult{}
	}
	return SumResult{Result: &v}
}
