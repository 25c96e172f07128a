package rules

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"example.com/a429gate/internal/capture"
	"example.com/a429gate/internal/common"
	"example.com/a429gate/internal/registry"
)

type Severity string

const (
	ERROR Severity = "ERROR"
	WARN  Severity = "WARN"
	INFO  Severity = "INFO"
)

// AppliesTo narrows a rule to specific capture channels. An empty value
// applies the rule to the whole capture.
type AppliesTo struct {
	Channels []uint16 `json:"channels,omitempty"`
}

type Rule struct {
	RuleId    string         `json:"ruleId"`
	Name      string         `json:"name,omitempty"`
	Scope     string         `json:"scope"` // block|channel|file|registry
	AppliesTo AppliesTo      `json:"appliesTo,omitempty"`
	Severity  Severity       `json:"severity"`
	Fixable   bool           `json:"fixable"`
	FixFunc   string         `json:"fixFunction,omitempty"`
	Refs      []string       `json:"refs"`
	Params    map[string]any `json:"params,omitempty"`
	Message   string         `json:"message"`
}

const (
	ScopeBlock    = "block"
	ScopeChannel  = "channel"
	ScopeFile     = "file"
	ScopeRegistry = "registry"
)

type RulePack struct {
	RulePackId string `json:"rulePackId"`
	Version    string `json:"version"`
	Profile    string `json:"profile"`
	Rules      []Rule `json:"rules"`
}

// ChannelRef boxes a channel ID for a Diagnostic. Channel IDs start at
// zero, so the field is a pointer: nil means file-scoped, a pointer to
// zero means channel 0.
func ChannelRef(ch uint16) *int {
	v := int(ch)
	return &v
}

type Diagnostic struct {
	Ts              time.Time `json:"ts"`
	File            string    `json:"file"`
	ChannelId       *int      `json:"channelId,omitempty"`
	BlockIndex      int       `json:"blockIndex,omitempty"`
	Offset          string    `json:"offset,omitempty"`
	RuleId          string    `json:"ruleId"`
	Severity        Severity  `json:"severity"`
	Message         string    `json:"message"`
	Refs            []string  `json:"refs"`
	FixSuggested    bool      `json:"fixSuggested"`
	FixApplied      bool      `json:"fixApplied"`
	FixPatchId      string    `json:"fixPatchId,omitempty"`
	TimestampUs     *int64    `json:"timestamp_us"`
	TimestampSource *string   `json:"timestamp_source"`
}

type AcceptanceReport struct {
	Summary struct {
		Total    int  `json:"total"`
		Errors   int  `json:"errors"`
		Warnings int  `json:"warnings"`
		Pass     bool `json:"pass"`
	} `json:"summary"`
	GateMatrix []map[string]any `json:"gateMatrix"`
	Findings   []Diagnostic     `json:"findings,omitempty"`
}

// Context carries everything a rule needs to inspect or repair one
// capture. Fix functions must treat DryRun contexts as read-only.
type Context struct {
	InputFile    string
	RegistryFile string
	Profile      string
	DryRun       bool

	Metrics  *common.Metrics
	AuditLog *common.PatchLog

	FirstHeader *capture.BlockHeader
	Index       *capture.CaptureIndex
	Registry    *registry.Registry
}

// EnsureCaptureIndex scans InputFile once and caches the result. Rules
// running concurrently share the cached index, so the engine calls this
// before fanning out.
func (ctx *Context) EnsureCaptureIndex() error {
	if ctx == nil {
		return errors.New("nil context")
	}
	if ctx.InputFile == "" {
		return nil
	}
	if ctx.Index != nil {
		return nil
	}
	reader, err := capture.NewReader(ctx.InputFile)
	if err != nil {
		return err
	}
	defer reader.Close()
	reader.SetProfile(ctx.Profile)
	if ctx.Metrics != nil {
		reader.SetMetrics(ctx.Metrics)
	}
	for {
		_, _, err := reader.Next()
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		return err
	}
	idx := reader.Index()
	ctx.Index = &idx
	if hdr, ok := reader.FirstHeader(); ok {
		ctx.FirstHeader = &hdr
	}
	return nil
}

// EnsureRegistry loads RegistryFile once and caches the result.
func (ctx *Context) EnsureRegistry() error {
	if ctx == nil {
		return errors.New("nil context")
	}
	if ctx.RegistryFile == "" {
		return nil
	}
	if ctx.Registry != nil {
		return nil
	}
	reg, err := registry.EnsureLoaded(ctx.RegistryFile)
	if err != nil {
		return err
	}
	ctx.Registry = reg
	return nil
}

type Engine struct {
	rulePack               RulePack
	registry               map[string]FixFunc
	diagnostics            []Diagnostic
	includeTimestampFields bool
	concurrency            int

	cbMu         sync.Mutex
	onDiagnostic DiagnosticCallback
	cbFailed     bool
}

func NewEngine(rp RulePack) *Engine {
	return &Engine{
		rulePack:               rp,
		registry:               make(map[string]FixFunc),
		includeTimestampFields: true,
		concurrency:            1,
	}
}

type FixFunc func(ctx *Context, rule Rule) (Diagnostic, bool, error)

func (e *Engine) Register(name string, f FixFunc) {
	e.registry[name] = f
}

// SetConcurrency bounds the worker pool used for read-only rules. Fix
// rules always run sequentially because they mutate the input file.
func (e *Engine) SetConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	e.concurrency = n
}

// DiagnosticCallback observes diagnostics as rules finish. Calls are
// serialized even when read-only rules evaluate concurrently, but arrival
// order follows rule completion, not pack order.
type DiagnosticCallback func(d Diagnostic) error

// SetDiagnosticCallback registers cb for the next Eval. Pass nil to stop
// observing. Once cb returns an error, delivery stops for the remainder
// of the run; Eval itself is unaffected.
func (e *Engine) SetDiagnosticCallback(cb DiagnosticCallback) {
	e.cbMu.Lock()
	e.onDiagnostic = cb
	e.cbFailed = false
	e.cbMu.Unlock()
}

func (e *Engine) emit(diags []Diagnostic) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	if e.onDiagnostic == nil || e.cbFailed || len(diags) == 0 {
		return
	}
	for _, d := range diags {
		if err := e.onDiagnostic(d); err != nil {
			e.cbFailed = true
			return
		}
	}
}

// RulePack returns the pack the engine was built with.
func (e *Engine) RulePack() RulePack {
	return e.rulePack
}

// Eval runs every registered rule of the pack against ctx. Read-only
// rules run on the worker pool, fix rules run afterwards in pack order
// so each fix sees the bytes left behind by the previous one. The
// returned slice preserves pack order regardless of scheduling.
func (e *Engine) Eval(ctx *Context) ([]Diagnostic, error) {
	if ctx == nil {
		return nil, errors.New("nil context")
	}
	if err := ctx.EnsureCaptureIndex(); err != nil {
		return nil, err
	}
	if err := ctx.EnsureRegistry(); err != nil {
		return nil, err
	}

	results := make([][]Diagnostic, len(e.rulePack.Rules))
	var readonly, fixable []int
	for i, r := range e.rulePack.Rules {
		if r.FixFunc == "" {
			continue
		}
		if _, ok := e.registry[r.FixFunc]; !ok {
			results[i] = []Diagnostic{{
				Ts: time.Now(), File: ctx.InputFile, RuleId: r.RuleId, Severity: WARN,
				Message: "no function for rule", Refs: r.Refs, FixSuggested: false,
			}}
			e.emit(results[i])
			continue
		}
		if r.Fixable {
			fixable = append(fixable, i)
		} else {
			readonly = append(readonly, i)
		}
	}

	workers := e.concurrency
	if workers < 1 {
		workers = 1
	}
	if workers > len(readonly) {
		workers = len(readonly)
	}
	if workers > 1 {
		jobs := make(chan int)
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range jobs {
					r := e.rulePack.Rules[i]
					results[i] = e.evalRule(ctx, r, e.registry[r.FixFunc])
					e.emit(results[i])
				}
			}()
		}
		for _, i := range readonly {
			jobs <- i
		}
		close(jobs)
		wg.Wait()
	} else {
		for _, i := range readonly {
			r := e.rulePack.Rules[i]
			results[i] = e.evalRule(ctx, r, e.registry[r.FixFunc])
			e.emit(results[i])
		}
	}

	fixedAny := false
	for _, i := range fixable {
		r := e.rulePack.Rules[i]
		results[i] = e.evalRule(ctx, r, e.registry[r.FixFunc])
		e.emit(results[i])
		for _, d := range results[i] {
			if d.FixApplied {
				fixedAny = true
			}
		}
	}
	if fixedAny {
		// The index describes pre-fix bytes now. Drop it so the next
		// consumer rescans the repaired file.
		ctx.Index = nil
		ctx.FirstHeader = nil
	}

	var diags []Diagnostic
	for _, rs := range results {
		diags = append(diags, rs...)
	}
	e.diagnostics = diags
	return diags, nil
}

// evalRule executes one rule, fanning out per channel when the rule is
// channel scoped.
func (e *Engine) evalRule(ctx *Context, rule Rule, fn FixFunc) []Diagnostic {
	if rule.Scope == ScopeChannel && ctx.Index != nil {
		filters := buildChannelFilters(ctx.Index, rule)
		if len(filters) > 0 {
			var diags []Diagnostic
			for _, f := range filters {
				if d, ok := e.runRuleOnce(ctx, ctx.Index, rule, fn, f, rule.Fixable); ok {
					diags = append(diags, d)
				}
			}
			return collapseChannelDiags(diags)
		}
	}
	f := ruleFilter{channels: rule.AppliesTo.Channels}
	if d, ok := e.runRuleOnce(ctx, ctx.Index, rule, fn, f, rule.Fixable); ok {
		return []Diagnostic{d}
	}
	return nil
}

// runRuleOnce applies filter to the index, runs fn on a context clone
// and maps the resulting block index back into file coordinates.
func (e *Engine) runRuleOnce(base *Context, idx *capture.CaptureIndex, rule Rule, fn FixFunc, filter ruleFilter, fixable bool) (Diagnostic, bool) {
	var mapping []int
	filtered := idx
	if idx != nil {
		var ok bool
		filtered, mapping, ok = filter.apply(idx)
		if !ok {
			return Diagnostic{}, false
		}
	}
	ctx := cloneContext(base)
	ctx.Index = filtered
	d, applied, err := fn(ctx, rule)
	if err != nil {
		d.Severity = ERROR
		d.Message = d.Message + " (" + err.Error() + ")"
	}
	if fixable {
		d.FixApplied = applied
		if applied && base.AuditLog != nil {
			d.FixPatchId = filepath.Base(base.AuditLog.Path())
		}
	}
	if len(mapping) > 0 && d.BlockIndex >= 0 && d.BlockIndex < len(mapping) {
		d.BlockIndex = mapping[d.BlockIndex]
	}
	return d, true
}

// ruleFilter restricts a rule run to a subset of capture channels.
type ruleFilter struct {
	channels []uint16
}

func (f ruleFilter) empty() bool {
	return len(f.channels) == 0
}

func (f ruleFilter) matches(blk capture.BlockIndex) bool {
	if f.empty() {
		return true
	}
	for _, ch := range f.channels {
		if blk.ChannelID == ch {
			return true
		}
	}
	return false
}

// apply returns the filtered index plus a mapping from filtered block
// positions back to positions in the original index. An empty filter
// passes the index through unchanged with a nil mapping.
func (f ruleFilter) apply(idx *capture.CaptureIndex) (*capture.CaptureIndex, []int, bool) {
	if idx == nil {
		return nil, nil, false
	}
	if f.empty() {
		return idx, nil, true
	}
	out := *idx
	out.Blocks = nil
	var mapping []int
	for i, blk := range idx.Blocks {
		if !f.matches(blk) {
			continue
		}
		out.Blocks = append(out.Blocks, blk)
		mapping = append(mapping, i)
	}
	return &out, mapping, true
}

// buildChannelFilters returns one single-channel filter per distinct
// channel the rule applies to, in first-seen order.
func buildChannelFilters(idx *capture.CaptureIndex, rule Rule) []ruleFilter {
	if idx == nil {
		return nil
	}
	allowed := func(ch uint16) bool {
		if len(rule.AppliesTo.Channels) == 0 {
			return true
		}
		for _, c := range rule.AppliesTo.Channels {
			if c == ch {
				return true
			}
		}
		return false
	}
	seen := make(map[uint16]bool)
	var filters []ruleFilter
	for _, blk := range idx.Blocks {
		if seen[blk.ChannelID] || !allowed(blk.ChannelID) {
			continue
		}
		seen[blk.ChannelID] = true
		filters = append(filters, ruleFilter{channels: []uint16{blk.ChannelID}})
	}
	return filters
}

func cloneContext(ctx *Context) *Context {
	if ctx == nil {
		return &Context{}
	}
	dup := *ctx
	return &dup
}

func severityRank(s Severity) int {
	switch s {
	case ERROR:
		return 3
	case WARN:
		return 2
	case INFO:
		return 1
	}
	return 0
}

// chooseBestDiagnostic picks the most severe diagnostic, breaking ties
// toward the lowest block index.
func chooseBestDiagnostic(diags []Diagnostic) *Diagnostic {
	var best *Diagnostic
	for i := range diags {
		d := &diags[i]
		if best == nil {
			best = d
			continue
		}
		if severityRank(d.Severity) > severityRank(best.Severity) {
			best = d
			continue
		}
		if severityRank(d.Severity) == severityRank(best.Severity) && d.BlockIndex < best.BlockIndex {
			best = d
		}
	}
	return best
}

// collapseChannelDiags keeps one row per flagged channel. When every
// channel passed, the per-channel INFO rows collapse to a single
// representative so clean captures stay readable.
func collapseChannelDiags(diags []Diagnostic) []Diagnostic {
	var flagged []Diagnostic
	for _, d := range diags {
		if d.Severity != INFO || d.FixApplied || d.FixSuggested {
			flagged = append(flagged, d)
		}
	}
	if len(flagged) > 0 {
		return flagged
	}
	if best := chooseBestDiagnostic(diags); best != nil {
		return []Diagnostic{*best}
	}
	return nil
}

func (e *Engine) WriteDiagnosticsNDJSON(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()
	for _, d := range e.diagnostics {
		var b []byte
		if e.includeTimestampFields {
			b, _ = json.Marshal(d)
		} else {
			b, _ = json.Marshal(d.toNoTimestamp())
		}
		w.Write(b)
		w.WriteString("\n")
	}
	return nil
}

type diagnosticNoTimestamp struct {
	Ts           time.Time `json:"ts"`
	File         string    `json:"file"`
	ChannelId    *int      `json:"channelId,omitempty"`
	BlockIndex   int       `json:"blockIndex,omitempty"`
	Offset       string    `json:"offset,omitempty"`
	RuleId       string    `json:"ruleId"`
	Severity     Severity  `json:"severity"`
	Message      string    `json:"message"`
	Refs         []string  `json:"refs"`
	FixSuggested bool      `json:"fixSuggested"`
	FixApplied   bool      `json:"fixApplied"`
	FixPatchId   string    `json:"fixPatchId,omitempty"`
}

func (d Diagnostic) toNoTimestamp() diagnosticNoTimestamp {
	return diagnosticNoTimestamp{
		Ts:           d.Ts,
		File:         d.File,
		ChannelId:    d.ChannelId,
		BlockIndex:   d.BlockIndex,
		Offset:       d.Offset,
		RuleId:       d.RuleId,
		Severity:     d.Severity,
		Message:      d.Message,
		Refs:         d.Refs,
		FixSuggested: d.FixSuggested,
		FixApplied:   d.FixApplied,
		FixPatchId:   d.FixPatchId,
	}
}

func (e *Engine) SetConfigValue(key string, value any) {
	if e == nil {
		return
	}
	switch key {
	case "diag.include_timestamps":
		switch v := value.(type) {
		case bool:
			e.includeTimestampFields = v
		case string:
			if b, err := strconv.ParseBool(v); err == nil {
				e.includeTimestampFields = b
			}
		default:
			if s, ok := value.(fmt.Stringer); ok {
				if b, err := strconv.ParseBool(s.String()); err == nil {
					e.includeTimestampFields = b
				}
			}
		}
	}
}

// MakeAcceptance folds the diagnostics of the last Eval into a report.
// The gate matrix carries one row per pack rule with its worst observed
// outcome.
func (e *Engine) MakeAcceptance() AcceptanceReport {
	var rep AcceptanceReport
	var errs, warns int
	for _, d := range e.diagnostics {
		switch d.Severity {
		case ERROR:
			errs++
		case WARN:
			warns++
		}
	}
	rep.Summary.Total = len(e.diagnostics)
	rep.Summary.Errors = errs
	rep.Summary.Warnings = warns
	rep.Summary.Pass = errs == 0
	rep.GateMatrix = e.gateMatrix()
	rep.Findings = e.diagnostics
	return rep
}

func (e *Engine) gateMatrix() []map[string]any {
	rows := make([]map[string]any, 0, len(e.rulePack.Rules))
	for _, r := range e.rulePack.Rules {
		var worst Severity
		fixed := false
		for _, d := range e.diagnostics {
			if d.RuleId != r.RuleId {
				continue
			}
			if severityRank(d.Severity) > severityRank(worst) {
				worst = d.Severity
			}
			if d.FixApplied {
				fixed = true
			}
		}
		status := "skipped"
		switch worst {
		case ERROR:
			status = "fail"
		case WARN:
			status = "warn"
		case INFO:
			status = "pass"
		}
		rows = append(rows, map[string]any{
			"ruleId":     r.RuleId,
			"name":       r.Name,
			"status":     status,
			"fixApplied": fixed,
		})
	}
	return rows
}

func LoadRulePack(path string) (RulePack, error) {
	var rp RulePack
	b, err := os.ReadFile(path)
	if err != nil {
		return rp, err
	}
	err = json.Unmarshal(b, &rp)
	return rp, err
}
