package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmtavares/depovox/internal/catalog"
	"github.com/jmtavares/depovox/internal/ledger"
	"github.com/jmtavares/depovox/pkg/provider/llm"
)

const (
	// defaultTemperature keeps field extraction near-deterministic so
	// repeated runs over the same transcript produce stable output.
	defaultTemperature = 0.1

	defaultMaxTokens = 1024
)

// systemPrompt fixes the field contract. Every recognised field must appear
// in the response, absent values as explicit null, so omission is always
// detectable as a format violation rather than a silent drop.
const systemPrompt = `You are an assistant that extracts drug inventory information from spoken Portuguese hospital deposit dictations.

Identify the drug being discussed and any stock movement it describes.

Respond with ONLY a single JSON object containing exactly these keys (no markdown, no prose, no extra keys):
{
  "drug_name": "drug name as spoken",
  "dose": "dose amount, e.g. \"5 mg\"",
  "units": "dose units when spoken separately (mg, ml, g, ...)",
  "type": "drug category (antibiotic, analgesic, ...)",
  "lot": "lot / batch code",
  "expiration": "YYYY-MM-DD",
  "pieces_per_box": number,
  "movement_type": "entry, exit, or inventory",
  "pieces_moved": number,
  "boxes_moved": number,
  "destination_origin": "destination (for exit) or origin (for entry)",
  "date_movement": "YYYY-MM-DD",
  "signature": "person responsible"
}

Rules:
- Every key must be present. Use null for anything the text does not mention. Never omit a key and never invent a value.
- "entrada" means entry, "saída" means exit, "inventário" or "contagem" means inventory.
- Quantities are non-negative integers.
- If the text only defines a drug and moves no stock, set movement_type and the movement fields to null.`

const correctivePrompt = `Your previous response was not a valid JSON object with exactly the required keys. Respond again with ONLY the JSON object described in the instructions: a single object, all thirteen keys present, null for unknown values, no markdown fences and no commentary.`

const userPromptFormat = `Extract the drug inventory information from this dictation:

"%s"

Return only the JSON object.`

// wireRecord is the shape the model must emit. Pointer fields accept explicit
// nulls; json.Number tolerates both integer and float encodings while still
// rejecting strings.
type wireRecord struct {
	DrugName          *string      `json:"drug_name"`
	Dose              *string      `json:"dose"`
	Units             *string      `json:"units"`
	Type              *string      `json:"type"`
	Lot               *string      `json:"lot"`
	Expiration        *string      `json:"expiration"`
	PiecesPerBox      *json.Number `json:"pieces_per_box"`
	MovementType      *string      `json:"movement_type"`
	PiecesMoved       *json.Number `json:"pieces_moved"`
	BoxesMoved        *json.Number `json:"boxes_moved"`
	DestinationOrigin *string      `json:"destination_origin"`
	DateMovement      *string      `json:"date_movement"`
	Signature         *string      `json:"signature"`
}

// Option is a functional option for configuring an [Extractor].
type Option func(*Extractor)

// WithTemperature sets the LLM sampling temperature. Default: 0.1.
func WithTemperature(temp float64) Option {
	return func(e *Extractor) {
		e.temperature = temp
	}
}

// WithMaxTokens caps the completion length. Default: 1024.
func WithMaxTokens(n int) Option {
	return func(e *Extractor) {
		e.maxTokens = n
	}
}

// Extractor turns transcript text into validated [Record] values using an
// [llm.Provider]. It is stateless apart from configuration and safe for
// concurrent use.
//
// Model selection follows the one-provider-per-model pattern: construct the
// [llm.Provider] with the desired model rather than overriding per-request.
type Extractor struct {
	llm         llm.Provider
	temperature float64
	maxTokens   int
}

// New returns a new [Extractor] backed by the given [llm.Provider].
func New(provider llm.Provider, opts ...Option) *Extractor {
	e := &Extractor{
		llm:         provider,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract sends the transcript text to the model and parses its response into
// a [Record].
//
// A malformed response (not a single object, or carrying unrecognised keys)
// is retried once with a corrective re-prompt that includes the model's bad
// output; a second failure surfaces [ErrMalformedResponse]. Field validation
// failures (unknown movement type, negative or fractional quantities, bad
// dates) are never retried since re-asking cannot fix what the speaker said.
func (e *Extractor) Extract(ctx context.Context, text string) (*Record, error) {
	userMsg := fmt.Sprintf(userPromptFormat, text)

	resp, err := e.complete(ctx, []llm.Message{{Role: "user", Content: userMsg}})
	if err != nil {
		return nil, fmt.Errorf("extract: complete: %w", err)
	}

	wire, parseErr := parseResponse(resp.Content)
	if parseErr != nil {
		resp, err = e.complete(ctx, []llm.Message{
			{Role: "user", Content: userMsg},
			{Role: "assistant", Content: resp.Content},
			{Role: "user", Content: correctivePrompt},
		})
		if err != nil {
			return nil, fmt.Errorf("extract: corrective complete: %w", err)
		}
		wire, parseErr = parseResponse(resp.Content)
		if parseErr != nil {
			return nil, parseErr
		}
	}

	return wire.toRecord()
}

func (e *Extractor) complete(ctx context.Context, messages []llm.Message) (*llm.CompletionResponse, error) {
	return e.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Temperature:  e.temperature,
		MaxTokens:    e.maxTokens,
		Messages:     messages,
	})
}

// parseResponse decodes the model output into a wireRecord. Markdown code
// fences are stripped first; some models wrap JSON in them regardless of
// instructions. Any shape violation wraps [ErrMalformedResponse].
func parseResponse(content string) (*wireRecord, error) {
	cleaned := stripMarkdown(content)

	dec := json.NewDecoder(bytes.NewReader([]byte(cleaned)))
	dec.DisallowUnknownFields()
	dec.UseNumber()

	var w wireRecord
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	// A second value after the object means the response was not a single
	// object.
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing content after object", ErrMalformedResponse)
	}
	return &w, nil
}

// stripMarkdown removes optional markdown code fences (```json ... ```).
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}

// toRecord validates the wire shape into a [Record]. All field violations are
// collected and joined so one bad response reports every problem at once.
func (w *wireRecord) toRecord() (*Record, error) {
	var errs []error

	r := &Record{
		DrugName:          deref(w.DrugName),
		Dose:              deref(w.Dose),
		Units:             deref(w.Units),
		Type:              deref(w.Type),
		Lot:               deref(w.Lot),
		DestinationOrigin: deref(w.DestinationOrigin),
		Signature:         deref(w.Signature),
	}

	if mt := deref(w.MovementType); mt != "" {
		parsed, ok := ledger.ParseMovementType(mt)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidMovementType, mt))
		}
		r.MovementType = parsed
	}

	r.PiecesPerBox = appendQuantity(&errs, "pieces_per_box", w.PiecesPerBox)
	r.PiecesMoved = appendQuantity(&errs, "pieces_moved", w.PiecesMoved)
	r.BoxesMoved = appendQuantity(&errs, "boxes_moved", w.BoxesMoved)

	r.DateMovement = appendDate(&errs, "date_movement", w.DateMovement)
	r.Expiration = appendDate(&errs, "expiration", w.Expiration)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// appendQuantity converts an optional model number to a non-negative integer,
// recording a violation for negative or fractional values.
func appendQuantity(errs *[]error, field string, n *json.Number) *int {
	if n == nil {
		return nil
	}
	v, err := n.Int64()
	if err != nil || v < 0 {
		*errs = append(*errs, fmt.Errorf("%w: %s = %s", ErrInvalidQuantity, field, n.String()))
		return nil
	}
	i := int(v)
	return &i
}

// dateLayouts are the date forms accepted from the model. The prompt asks for
// YYYY-MM-DD, but models echoing a spoken Portuguese date often keep the
// dd/mm/yyyy order.
var dateLayouts = []string{catalog.DateFormat, "02/01/2006"}

// appendDate parses an optional date, recording a violation when the value is
// present but matches no accepted layout.
func appendDate(errs *[]error, field string, s *string) time.Time {
	v := deref(s)
	if v == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	*errs = append(*errs, fmt.Errorf("%w: %s = %q", ErrInvalidDate, field, v))
	return time.Time{}
}
