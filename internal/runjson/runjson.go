// Package runjson implements the literal RUNJSON wire trailer spec.md §6
// freezes as the streaming contract boundary: a stream of UTF-8 token
// bytes terminated by "\n<RUNJSON_START>\n<json>\n<RUNJSON_END>\n",
// optionally followed by "\n⏹ stopped\n". Both the worker process (C4)
// and the streaming bridge (C6) depend on this package so the two layers
// cannot drift from each other or from the frozen contract.
package runjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Sentinels bracketing the trailer. Must appear on their own line,
// surrounded by newlines, so a naive consumer can split the stream by
// exact string match (spec §6).
const (
	Start = "<RUNJSON_START>"
	End   = "<RUNJSON_END>"

	// StoppedLine is the optional terminator line spec §6 permits after
	// the trailer, emitted when the stream ended on a cancellation.
	StoppedLine = "⏹ stopped"
)

// Field is one key/value pair in a Trailer's loadModelConfig/
// predictionConfig field lists (spec §6).
type Field struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// FieldSet wraps a Field list the shape spec §6 requires:
// { "fields": [ {"key":..., "value":...}, ... ] }.
type FieldSet struct {
	Fields []Field `json:"fields"`
}

// Fields builds a FieldSet from a map, for callers building loadModelConfig
// from a worker's LLAMA_KWARGS_JSON or similar free-form kwargs map.
func Fields(m map[string]any) FieldSet {
	fs := FieldSet{Fields: make([]Field, 0, len(m))}
	for k, v := range m {
		fs.Fields = append(fs.Fields, Field{Key: k, Value: v})
	}
	return fs
}

// Timings mirrors the stats.timings block (spec §6); Engine is nil when the
// engine implementation exposes no native timing breakdown.
type Timings struct {
	Engine map[string]any `json:"engine"`
}

// Stats mirrors the mandated stats block of the RUNJSON trailer (spec §6).
// StopReason is one of "eosFound", "user_cancel", "finish:<reason>", or
// "error" (§6, §7).
type Stats struct {
	StopReason           string   `json:"stopReason"`
	TokensPerSecond      *float64 `json:"tokensPerSecond"`
	TimeToFirstTokenSec  float64  `json:"timeToFirstTokenSec"`
	TotalTimeSec         float64  `json:"totalTimeSec"`
	PromptTokensCount    *int     `json:"promptTokensCount"`
	PredictedTokensCount int      `json:"predictedTokensCount"`
	TotalTokensCount     *int     `json:"totalTokensCount"`
	Budget               any      `json:"budget"`
	Timings              Timings  `json:"timings"`
	Error                *string  `json:"error"`
}

// Trailer is the exact RUNJSON shape spec §6 mandates, terminal in every
// completed stream (I5 — it appears at most once, with no token bytes
// following it).
type Trailer struct {
	IndexedModelIdentifier string   `json:"indexedModelIdentifier"`
	Identifier             string   `json:"identifier"`
	LoadModelConfig        FieldSet `json:"loadModelConfig"`
	PredictionConfig       FieldSet `json:"predictionConfig"`
	Stats                  Stats    `json:"stats"`
}

// Write emits t bracketed by the literal sentinels spec §6 requires. When
// stopped is true, it also appends the optional "⏹ stopped" terminator
// line.
func Write(w io.Writer, t Trailer, stopped bool) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "\n%s\n%s\n%s\n", Start, body, End); err != nil {
		return err
	}
	if stopped {
		if _, err := fmt.Fprintf(w, "\n%s\n", StoppedLine); err != nil {
			return err
		}
	}
	return nil
}

// marker is the exact byte sequence Write prefixes the trailer JSON with;
// Proxy watches the token stream for it to separate token bytes from the
// trailer.
var marker = []byte("\n" + Start + "\n")

// Proxy copies token bytes from body to w (flushing after every write via
// flush) until it finds the literal RUNJSON start sentinel, then parses and
// returns the trailer that follows. It never returns partial token bytes
// that happen to be a prefix of the sentinel — those are held back until
// enough bytes arrive to prove they aren't part of it, so the sentinel
// cannot be split across two writes to w.
func Proxy(body io.Reader, w io.Writer, flush func()) (Trailer, error) {
	var trailer Trailer
	reader := bufio.NewReaderSize(body, 4096)
	var hold []byte
	buf := make([]byte, 4096)

	for {
		n, rerr := reader.Read(buf)
		if n > 0 {
			hold = append(hold, buf[:n]...)
			if idx := bytes.Index(hold, marker); idx >= 0 {
				if idx > 0 {
					if _, err := w.Write(hold[:idx]); err != nil {
						return trailer, err
					}
					flush()
				}
				rest := hold[idx+len(marker):]
				return readTrailer(reader, rest)
			}
			safe := len(hold) - (len(marker) - 1)
			if safe > 0 {
				if _, err := w.Write(hold[:safe]); err != nil {
					return trailer, err
				}
				flush()
				hold = append([]byte(nil), hold[safe:]...)
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				if len(hold) > 0 {
					if _, err := w.Write(hold); err != nil {
						return trailer, err
					}
					flush()
				}
				return trailer, fmt.Errorf("runjson: stream ended without a %s sentinel", Start)
			}
			return trailer, rerr
		}
	}
}

// readTrailer reads the JSON line and the closing End sentinel out of
// whatever's left of the stream after the Start marker was consumed.
func readTrailer(reader *bufio.Reader, rest []byte) (Trailer, error) {
	var trailer Trailer
	full := append([]byte(nil), rest...)
	for !bytes.Contains(full, []byte("\n"+End)) {
		chunk := make([]byte, 4096)
		n, err := reader.Read(chunk)
		if n > 0 {
			full = append(full, chunk[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return trailer, err
		}
	}
	idx := bytes.Index(full, []byte("\n"+End))
	if idx < 0 {
		return trailer, fmt.Errorf("runjson: missing %s sentinel", End)
	}
	jsonPart := bytes.TrimSpace(full[:idx])
	if err := json.Unmarshal(jsonPart, &trailer); err != nil {
		return trailer, fmt.Errorf("runjson: decode trailer: %w", err)
	}
	return trailer, nil
}
