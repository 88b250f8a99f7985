package messages

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/os2datascanner/engine/internal/domain/conversions"
	"github.com/os2datascanner/engine/internal/domain/model"
	"github.com/os2datascanner/engine/internal/domain/rules"
)

// Queues used by the pipeline.
const (
	QueueScanSpecs       = "os2ds_scan_specs"
	QueueConversions     = "os2ds_conversions"
	QueueRepresentations = "os2ds_representations"
	QueueMatches         = "os2ds_matches"
	QueueHandles         = "os2ds_handles"
	QueueMetadata        = "os2ds_metadata"
	QueueProblems        = "os2ds_problems"
	QueueCheckups        = "os2ds_checkups"
	QueueStatus          = "os2ds_status"
	QueueResults         = "os2ds_results"

	// BroadcastExchange is the fan-out exchange carrying CommandMessages.
	BroadcastExchange = "broadcast"
	// CommandPriority is the delivery priority of CommandMessages.
	CommandPriority = 10
)

// AllQueues lists every named work queue.
var AllQueues = []string{
	QueueScanSpecs, QueueConversions, QueueRepresentations,
	QueueMatches, QueueHandles, QueueMetadata,
	QueueProblems, QueueCheckups, QueueStatus, QueueResults,
}

// ErrMissingScanTag is returned when a message carries no scan tag at all.
var ErrMissingScanTag = errors.New("message has no scan tag")

func decodeValue(b []byte) (any, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, &model.DeserialisationError{Kind: "message", Field: "body", Err: err}
	}
	return v, nil
}

// DecodeObject parses a message body into its generic form.
func DecodeObject(b []byte) (model.Object, error) {
	v, err := decodeValue(b)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &model.DeserialisationError{Kind: "message", Field: "body", Err: fmt.Errorf("want object, got %T", v)}
	}
	return obj, nil
}

// ScanTagOf extracts the scan tag of any message that carries one, either
// directly or inside its scan spec.
func ScanTagOf(obj model.Object) (ScanTag, bool) {
	raw, ok := obj["scan_tag"]
	if !ok {
		spec, isObj := obj["scan_spec"].(map[string]any)
		if !isObj {
			return ScanTag{}, false
		}
		if raw, ok = spec["scan_tag"]; !ok {
			return ScanTag{}, false
		}
	}
	tag, err := ScanTagFromJSON(raw)
	if err != nil {
		return ScanTag{}, false
	}
	return tag, true
}

func sourceField(obj model.Object, kind, field string) (model.Source, error) {
	so, err := model.ObjectField(obj, kind, field)
	if err != nil {
		return nil, err
	}
	return model.SourceFromJSON(so)
}

func optSourceField(obj model.Object, field string) (model.Source, error) {
	so, ok := obj[field].(map[string]any)
	if !ok {
		return nil, nil
	}
	return model.SourceFromJSON(so)
}

func handleField(obj model.Object, kind, field string) (model.Handle, error) {
	ho, err := model.ObjectField(obj, kind, field)
	if err != nil {
		return nil, err
	}
	return model.HandleFromJSON(ho)
}

func optHandleField(obj model.Object, field string) (model.Handle, error) {
	ho, ok := obj[field].(map[string]any)
	if !ok {
		return nil, nil
	}
	return model.HandleFromJSON(ho)
}

func scanTagField(obj model.Object) (ScanTag, error) {
	raw, ok := obj["scan_tag"]
	if !ok || raw == nil {
		return ScanTag{}, ErrMissingScanTag
	}
	return ScanTagFromJSON(raw)
}

// remarshal decodes a generic JSON value into a typed one.
func remarshal(v any, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func optSourceJSON(s model.Source) any {
	if s == nil {
		return nil
	}
	return s.ToJSON()
}

func optHandleJSON(h model.Handle) any {
	if h == nil {
		return nil
	}
	return h.ToJSON()
}

// ScanSpec describes one scan of one source.
type ScanSpec struct {
	ScanTag       ScanTag
	Source        model.Source
	Rule          rules.Rule
	Configuration map[string]any
	// FilterRule, if set, is applied to the relative path of every source a
	// source yielding independent sources produces; sources it matches are
	// skipped.
	FilterRule rules.Rule
	// Progress is set on specs derived from a handle part way through rule
	// evaluation.
	Progress *rules.ProgressFragment
}

// WithSource returns a copy of s scanning src.
func (s ScanSpec) WithSource(src model.Source) ScanSpec {
	s.Source = src
	return s
}

// WithProgress returns a copy of s carrying p; nil removes it.
func (s ScanSpec) WithProgress(p *rules.ProgressFragment) ScanSpec {
	s.Progress = p
	return s
}

// Censored returns a copy of s whose source has had its credentials removed.
func (s ScanSpec) Censored() ScanSpec {
	if s.Source != nil {
		s.Source = s.Source.Censor()
	}
	return s
}

func (s ScanSpec) ToJSON() model.Object {
	cfg := s.Configuration
	if cfg == nil {
		cfg = map[string]any{}
	}
	obj := model.Object{
		"scan_tag":      s.ScanTag.ToJSON(),
		"source":        optSourceJSON(s.Source),
		"rule":          s.Rule.ToJSON(),
		"configuration": cfg,
		"filter_rule":   nil,
		"progress":      nil,
	}
	if s.FilterRule != nil {
		obj["filter_rule"] = s.FilterRule.ToJSON()
	}
	if s.Progress != nil {
		obj["progress"] = s.Progress
	}
	return obj
}

// ScanSpecFromJSON decodes a scan spec. A spec without a scan tag fails with
// ErrMissingScanTag; one naming an unregistered source type fails with a
// *model.UnknownTypeError.
func ScanSpecFromJSON(obj model.Object) (ScanSpec, error) {
	tag, err := scanTagField(obj)
	if err != nil {
		return ScanSpec{}, err
	}
	src, err := sourceField(obj, "scan spec", "source")
	if err != nil {
		return ScanSpec{}, err
	}
	ruleObj, ok := obj["rule"]
	if !ok {
		return ScanSpec{}, &model.DeserialisationError{Kind: "scan spec", Field: "rule"}
	}
	rule, err := rules.FromJSON(ruleObj)
	if err != nil {
		return ScanSpec{}, err
	}
	spec := ScanSpec{ScanTag: tag, Source: src, Rule: rule, Configuration: map[string]any{}}
	if cfg, ok := obj["configuration"].(map[string]any); ok {
		spec.Configuration = cfg
	}
	if fr, ok := obj["filter_rule"]; ok && fr != nil {
		if spec.FilterRule, err = rules.FromJSON(fr); err != nil {
			return ScanSpec{}, err
		}
	}
	if pr, ok := obj["progress"]; ok && pr != nil {
		var p rules.ProgressFragment
		if err := remarshal(pr, &p); err != nil {
			return ScanSpec{}, &model.DeserialisationError{Kind: "scan spec", Field: "progress", Err: err}
		}
		spec.Progress = &p
	}
	return spec, nil
}

func scanSpecField(obj model.Object, kind string) (ScanSpec, error) {
	so, err := model.ObjectField(obj, kind, "scan_spec")
	if err != nil {
		return ScanSpec{}, err
	}
	return ScanSpecFromJSON(so)
}

func progressField(obj model.Object, kind string) (rules.ProgressFragment, error) {
	raw, ok := obj["progress"]
	if !ok || raw == nil {
		return rules.ProgressFragment{}, &model.DeserialisationError{Kind: kind, Field: "progress"}
	}
	var p rules.ProgressFragment
	if err := remarshal(raw, &p); err != nil {
		return rules.ProgressFragment{}, &model.DeserialisationError{Kind: kind, Field: "progress", Err: err}
	}
	return p, nil
}

// ConversionMessage asks for a handle to be converted into the
// representation the next rule in Progress needs.
type ConversionMessage struct {
	ScanSpec ScanSpec
	Handle   model.Handle
	Progress rules.ProgressFragment
}

func (m ConversionMessage) ToJSON() model.Object {
	return model.Object{
		"scan_spec": m.ScanSpec.ToJSON(),
		"handle":    m.Handle.ToJSON(),
		"progress":  m.Progress,
	}
}

func ConversionFromJSON(obj model.Object) (ConversionMessage, error) {
	spec, err := scanSpecField(obj, "conversion")
	if err != nil {
		return ConversionMessage{}, err
	}
	h, err := handleField(obj, "conversion", "handle")
	if err != nil {
		return ConversionMessage{}, err
	}
	p, err := progressField(obj, "conversion")
	if err != nil {
		return ConversionMessage{}, err
	}
	return ConversionMessage{ScanSpec: spec, Handle: h, Progress: p}, nil
}

// RepresentationMessage carries the representations computed for a handle.
type RepresentationMessage struct {
	ScanSpec        ScanSpec
	Handle          model.Handle
	Progress        rules.ProgressFragment
	Representations rules.Representations
}

func (m RepresentationMessage) ToJSON() (model.Object, error) {
	reps, err := conversions.EncodeDict(m.Representations)
	if err != nil {
		return nil, fmt.Errorf("encoding representations: %w", err)
	}
	return model.Object{
		"scan_spec":       m.ScanSpec.ToJSON(),
		"handle":          m.Handle.ToJSON(),
		"progress":        m.Progress,
		"representations": reps,
	}, nil
}

func RepresentationFromJSON(obj model.Object) (RepresentationMessage, error) {
	spec, err := scanSpecField(obj, "representation")
	if err != nil {
		return RepresentationMessage{}, err
	}
	h, err := handleField(obj, "representation", "handle")
	if err != nil {
		return RepresentationMessage{}, err
	}
	p, err := progressField(obj, "representation")
	if err != nil {
		return RepresentationMessage{}, err
	}
	raw, err := model.ObjectField(obj, "representation", "representations")
	if err != nil {
		return RepresentationMessage{}, err
	}
	reps, err := conversions.DecodeDict(raw)
	if err != nil {
		return RepresentationMessage{}, &model.DeserialisationError{Kind: "representation", Field: "representations", Err: err}
	}
	return RepresentationMessage{ScanSpec: spec, Handle: h, Progress: p, Representations: reps}, nil
}

// HandleMessage asks for the metadata of a matched handle.
type HandleMessage struct {
	ScanTag ScanTag
	Handle  model.Handle
}

func (m HandleMessage) ToJSON() model.Object {
	return model.Object{"scan_tag": m.ScanTag.ToJSON(), "handle": m.Handle.ToJSON()}
}

func HandleMessageFromJSON(obj model.Object) (HandleMessage, error) {
	tag, err := scanTagField(obj)
	if err != nil {
		return HandleMessage{}, err
	}
	h, err := handleField(obj, "handle message", "handle")
	if err != nil {
		return HandleMessage{}, err
	}
	return HandleMessage{ScanTag: tag, Handle: h}, nil
}

// MetadataMessage carries the metadata extracted for a matched handle.
type MetadataMessage struct {
	ScanTag  ScanTag
	Handle   model.Handle
	Metadata map[string]any
}

func (m MetadataMessage) ToJSON() model.Object {
	md := m.Metadata
	if md == nil {
		md = map[string]any{}
	}
	return model.Object{"scan_tag": m.ScanTag.ToJSON(), "handle": m.Handle.ToJSON(), "metadata": md}
}

func MetadataFromJSON(obj model.Object) (MetadataMessage, error) {
	tag, err := scanTagField(obj)
	if err != nil {
		return MetadataMessage{}, err
	}
	h, err := handleField(obj, "metadata", "handle")
	if err != nil {
		return MetadataMessage{}, err
	}
	md, _ := obj["metadata"].(map[string]any)
	return MetadataMessage{ScanTag: tag, Handle: h, Metadata: md}, nil
}

// MatchesMessage is the conclusion of evaluating a scan's rule against a
// handle.
type MatchesMessage struct {
	ScanSpec ScanSpec
	Handle   model.Handle
	Matched  bool
	Matches  []rules.MatchFragment
}

func (m MatchesMessage) ToJSON() model.Object {
	matches := m.Matches
	if matches == nil {
		matches = []rules.MatchFragment{}
	}
	return model.Object{
		"scan_spec": m.ScanSpec.ToJSON(),
		"handle":    m.Handle.ToJSON(),
		"matched":   m.Matched,
		"matches":   matches,
	}
}

func MatchesFromJSON(obj model.Object) (MatchesMessage, error) {
	spec, err := scanSpecField(obj, "matches")
	if err != nil {
		return MatchesMessage{}, err
	}
	h, err := handleField(obj, "matches", "handle")
	if err != nil {
		return MatchesMessage{}, err
	}
	m := MatchesMessage{ScanSpec: spec, Handle: h, Matched: model.BoolField(obj, "matched", false)}
	if raw, ok := obj["matches"]; ok && raw != nil {
		if err := remarshal(raw, &m.Matches); err != nil {
			return MatchesMessage{}, &model.DeserialisationError{Kind: "matches", Field: "matches", Err: err}
		}
	}
	return m, nil
}

// Sensitivity is the highest sensitivity of any fragment, or nil if there
// are no fragments. A fragment whose rule has a sensitivity takes the
// highest sensitivity of its matches, capped at the rule's; otherwise the
// rule's own, or INFORMATION.
func (m MatchesMessage) Sensitivity() *rules.Sensitivity {
	if len(m.Matches) == 0 {
		return nil
	}
	var best *rules.Sensitivity
	for _, f := range m.Matches {
		s := fragmentSensitivity(f)
		best = rules.MaxSensitivity(best, &s)
	}
	return best
}

func fragmentSensitivity(f rules.MatchFragment) rules.Sensitivity {
	rs := f.Rule.Sensitivity()
	if rs == nil {
		return rules.Information
	}
	sub, ok := maxField(f.Matches, "sensitivity")
	if !ok {
		return *rs
	}
	return min(*rs, rules.Sensitivity(sub))
}

// Probability is the highest probability of any match, or nil if there are
// no fragments.
func (m MatchesMessage) Probability() *float64 {
	if len(m.Matches) == 0 {
		return nil
	}
	var best float64
	for _, f := range m.Matches {
		if p, ok := maxField(f.Matches, "probability"); ok && p > best {
			best = p
		}
	}
	return &best
}

// OnlyLastModified reports whether the evaluation stopped at a
// LastModifiedRule without examining anything else.
func (m MatchesMessage) OnlyLastModified() bool {
	if len(m.Matches) != 1 {
		return false
	}
	_, ok := m.Matches[0].Rule.(*rules.LastModifiedRule)
	return ok
}

func maxField(matches []rules.Match, field string) (float64, bool) {
	var best float64
	var found bool
	for _, m := range matches {
		v, ok := number(m[field])
		if !ok {
			continue
		}
		if !found || v > best {
			best, found = v, true
		}
	}
	return best, found
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case rules.Sensitivity:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// ProblemMessage reports a failure to process a source or handle. Missing
// means the object is known to have been deleted.
type ProblemMessage struct {
	ScanTag ScanTag
	Source  model.Source
	Handle  model.Handle
	Message string
	Missing bool
}

func (m ProblemMessage) ToJSON() model.Object {
	return model.Object{
		"scan_tag": m.ScanTag.ToJSON(),
		"source":   optSourceJSON(m.Source),
		"handle":   optHandleJSON(m.Handle),
		"message":  m.Message,
		"missing":  m.Missing,
	}
}

func ProblemFromJSON(obj model.Object) (ProblemMessage, error) {
	tag, err := scanTagField(obj)
	if err != nil {
		return ProblemMessage{}, err
	}
	src, err := optSourceField(obj, "source")
	if err != nil {
		return ProblemMessage{}, err
	}
	h, err := optHandleField(obj, "handle")
	if err != nil {
		return ProblemMessage{}, err
	}
	return ProblemMessage{
		ScanTag: tag,
		Source:  src,
		Handle:  h,
		Message: model.OptStringField(obj, "message"),
		Missing: model.BoolField(obj, "missing", false),
	}, nil
}

// StatusMessage reports progress on a scan. Explorers set TotalObjects and
// NewSources; workers set ObjectSize and ObjectType.
type StatusMessage struct {
	ScanTag       ScanTag
	Message       string
	StatusIsError bool
	TotalObjects  *int
	NewSources    *int
	ObjectSize    *int64
	ObjectType    *string
	MatchesFound  *int
}

func optJSON[T any](v *T) any {
	if v == nil {
		return nil
	}
	return *v
}

func (m StatusMessage) ToJSON() model.Object {
	return model.Object{
		"scan_tag":        m.ScanTag.ToJSON(),
		"message":         m.Message,
		"status_is_error": m.StatusIsError,
		"total_objects":   optJSON(m.TotalObjects),
		"new_sources":     optJSON(m.NewSources),
		"object_size":     optJSON(m.ObjectSize),
		"object_type":     optJSON(m.ObjectType),
		"matches_found":   optJSON(m.MatchesFound),
	}
}

func optInt(obj model.Object, field string) *int {
	if _, ok := number(obj[field]); !ok {
		return nil
	}
	v := model.IntField(obj, field, 0)
	return &v
}

func StatusFromJSON(obj model.Object) (StatusMessage, error) {
	tag, err := scanTagField(obj)
	if err != nil {
		return StatusMessage{}, err
	}
	m := StatusMessage{
		ScanTag:       tag,
		Message:       model.OptStringField(obj, "message"),
		StatusIsError: model.BoolField(obj, "status_is_error", false),
		TotalObjects:  optInt(obj, "total_objects"),
		NewSources:    optInt(obj, "new_sources"),
		MatchesFound:  optInt(obj, "matches_found"),
	}
	if size := optInt(obj, "object_size"); size != nil {
		s := int64(*size)
		m.ObjectSize = &s
	}
	if t, ok := obj["object_type"].(string); ok {
		m.ObjectType = &t
	}
	return m, nil
}

// CommandMessage is broadcast to every running stage.
type CommandMessage struct {
	Abort     *ScanTag
	LogLevel  *int
	Profiling *bool
}

func (m CommandMessage) ToJSON() model.Object {
	var abort any
	if m.Abort != nil {
		abort = m.Abort.ToJSON()
	}
	return model.Object{
		"abort":     abort,
		"log_level": optJSON(m.LogLevel),
		"profiling": optJSON(m.Profiling),
	}
}

func CommandFromJSON(obj model.Object) (CommandMessage, error) {
	var m CommandMessage
	if raw, ok := obj["abort"]; ok && raw != nil {
		tag, err := ScanTagFromJSON(raw)
		if err != nil {
			return CommandMessage{}, err
		}
		m.Abort = &tag
	}
	m.LogLevel = optInt(obj, "log_level")
	if p, ok := obj["profiling"].(bool); ok {
		m.Profiling = &p
	}
	return m, nil
}

// Headers returns the AMQP headers for a message body. Consumers bind with
// x-match=all, so a message is routed by the organisation its scan belongs
// to when it carries one.
func Headers(obj model.Object) map[string]any {
	headers := map[string]any{"x-match": "all"}
	if tag, ok := ScanTagOf(obj); ok && tag.Organisation.Name != "" {
		headers["org"] = tag.Organisation.Name
	}
	return headers
}
