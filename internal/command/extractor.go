package command

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

type state int

const (
	stateProse state = iota
	stateFence
	stateHeredoc
	stateDiscard
)

// heredocLine matches one complete EDIT_FILE trigger line. The sentinel may
// be bare, single- or double-quoted.
var heredocLine = regexp.MustCompile(`^\s*EDIT_FILE\s+(\S+?)(?:\s*<<-?\s*(?:'([^']+)'|"([^"]+)"|(\S+)))?\s*$`)

// block is a command found while streaming, in discovery order.
type block struct {
	kind Kind
	body string // fence payload, or heredoc final body
	file string // heredoc only
}

// Extractor classifies streamed text one delta at a time. It holds the
// unterminated tail of the current line, so each byte is examined a bounded
// number of times regardless of how the text is chunked. The zero value is
// ready to use. An Extractor is not safe for concurrent use.
type Extractor struct {
	state state

	line    []byte // current line, not yet newline-terminated
	emitted int    // bytes of line already emitted as prose

	fenceKind Kind // KindNone for a plain code fence
	fenceBody strings.Builder

	heredocFile     string
	heredocSentinel string
	heredocBody     strings.Builder
	heredocLive     string

	blocks   []block
	finished bool
}

// Feed classifies delta and returns the spans it produced, in order.
// Adjacent prose is coalesced into one span.
func (e *Extractor) Feed(delta string) []Span {
	if e.finished || delta == "" {
		return nil
	}
	var out []Span
	e.line = append(e.line, delta...)
	for {
		i := bytes.IndexByte(e.line, '\n')
		if i < 0 {
			break
		}
		e.handleLine(string(e.line[:i+1]), &out)
		e.line = e.line[i+1:]
		e.emitted = 0
	}
	e.handlePartial(&out)
	return mergeProse(out)
}

func (e *Extractor) handleLine(ln string, out *[]Span) {
	switch e.state {
	case stateProse:
		if e.emitted == 0 {
			if file, sentinel, ok := parseHeredoc(ln); ok {
				e.openHeredoc(file, sentinel)
				return
			}
		}
		emitProse(out, ln[e.emitted:])
		if info, ok := fenceOpen(ln); ok {
			e.state = stateFence
			e.fenceKind = fenceKind(info)
			e.fenceBody.Reset()
			if e.fenceKind != KindNone {
				*out = append(*out, Span{State: Pending, Kind: e.fenceKind})
			}
		}
	case stateFence:
		emitProse(out, ln[e.emitted:])
		if !fenceClose(ln) {
			e.fenceBody.WriteString(ln)
			return
		}
		e.closeFence(out)
	case stateHeredoc:
		if strings.TrimSpace(ln) == e.heredocSentinel {
			e.closeHeredoc(out)
			return
		}
		e.heredocBody.WriteString(ln)
	case stateDiscard:
	}
}

func (e *Extractor) handlePartial(out *[]Span) {
	switch e.state {
	case stateProse:
		if e.emitted == 0 && couldBeTrigger(string(e.line)) {
			return
		}
		emitProse(out, string(e.line[e.emitted:]))
		e.emitted = len(e.line)
	case stateFence:
		emitProse(out, string(e.line[e.emitted:]))
		e.emitted = len(e.line)
	case stateHeredoc:
		live := e.heredocBody.String()
		partial := string(e.line)
		if t := strings.TrimSpace(partial); t == "" || !strings.HasPrefix(e.heredocSentinel, t) {
			live += partial
		}
		if live != e.heredocLive {
			e.heredocLive = live
			*out = append(*out, Span{State: Pending, Kind: KindHeredoc, File: e.heredocFile, Body: live})
		}
	case stateDiscard:
		e.line = e.line[:0]
	}
}

func (e *Extractor) openHeredoc(file, sentinel string) {
	e.state = stateHeredoc
	e.heredocFile = file
	e.heredocSentinel = sentinel
	e.heredocBody.Reset()
	e.heredocLive = ""
}

func (e *Extractor) closeHeredoc(out *[]Span) {
	body := e.heredocBody.String()
	*out = append(*out, Span{State: Complete, Kind: KindHeredoc, File: e.heredocFile, Body: body})
	e.blocks = append(e.blocks, block{kind: KindHeredoc, file: e.heredocFile, body: body})
	e.state = stateDiscard
}

func (e *Extractor) closeFence(out *[]Span) {
	if e.fenceKind != KindNone {
		body := e.fenceBody.String()
		*out = append(*out, Span{State: Complete, Kind: e.fenceKind, Body: body})
		e.blocks = append(e.blocks, block{kind: e.fenceKind, body: body})
	}
	e.state = stateProse
	e.fenceKind = KindNone
	e.fenceBody.Reset()
}

// Finish ends the message. Held-back text is flushed, open blocks are
// closed when the final unterminated line is their terminator, and every
// completed command block is parsed. Feed must not be called afterwards.
func (e *Extractor) Finish() Result {
	var res Result
	if e.finished {
		return res
	}
	e.finished = true

	tail := string(e.line)
	e.line = nil
	switch e.state {
	case stateProse:
		if file, _, ok := parseHeredoc(tail); ok && e.emitted == 0 {
			res.Unterminated = &Unterminated{File: file}
		} else {
			emitProse(&res.Spans, tail[e.emitted:])
		}
	case stateFence:
		if fenceClose(tail) {
			e.closeFence(&res.Spans)
		} else if e.fenceKind != KindNone {
			res.Skips = append(res.Skips, Skip{Kind: e.fenceKind, Reason: "unterminated fence"})
		}
	case stateHeredoc:
		if strings.TrimSpace(tail) == e.heredocSentinel {
			e.closeHeredoc(&res.Spans)
		} else {
			res.Unterminated = &Unterminated{File: e.heredocFile, Body: e.heredocBody.String() + tail}
		}
	}

	for _, b := range e.blocks {
		switch b.kind {
		case KindHeredoc:
			res.Edits = append(res.Edits, EditProposal{ID: NewID(), File: b.file, Mode: ModeReplace, Content: b.body})
		case KindEdit:
			p, err := parseEdit(b.body)
			if err != nil {
				res.Skips = append(res.Skips, Skip{Kind: KindEdit, Reason: err.Error()})
				continue
			}
			res.Edits = append(res.Edits, p)
		case KindExec:
			r, err := parseExec(b.body)
			if err != nil {
				res.Skips = append(res.Skips, Skip{Kind: KindExec, Reason: err.Error()})
				continue
			}
			res.Execs = append(res.Execs, r)
		}
	}
	return res
}

// editPayload is the JSON body of an edit fence.
type editPayload struct {
	File    string `json:"file"`
	Mode    string `json:"mode"`
	Content string `json:"content"`
	Diff    string `json:"diff"`
	Note    string `json:"note"`
}

func parseEdit(body string) (EditProposal, error) {
	var p editPayload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return EditProposal{}, fmt.Errorf("invalid json: %w", err)
	}
	file := strings.TrimSpace(p.File)
	if file == "" {
		return EditProposal{}, errors.New("missing file")
	}
	if p.Content == "" && p.Diff == "" {
		return EditProposal{}, errors.New("missing content and diff")
	}

	var mode Mode
	switch strings.ToLower(strings.TrimSpace(p.Mode)) {
	case "":
		mode = ModeReplace
		if p.Content == "" {
			mode = ModePatch
		}
	case string(ModeReplace):
		mode = ModeReplace
	case string(ModePatch):
		mode = ModePatch
	default:
		return EditProposal{}, fmt.Errorf("unknown mode %q", p.Mode)
	}
	if mode == ModeReplace && p.Content == "" {
		return EditProposal{}, errors.New("replace without content")
	}
	if mode == ModePatch && p.Diff == "" {
		return EditProposal{}, errors.New("patch without diff")
	}

	return EditProposal{
		ID:      NewID(),
		File:    file,
		Mode:    mode,
		Content: p.Content,
		Diff:    p.Diff,
		Note:    p.Note,
	}, nil
}

func parseExec(body string) (ExecRequest, error) {
	var r ExecRequest
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return ExecRequest{}, fmt.Errorf("invalid json: %w", err)
	}
	r.Cmd = strings.TrimSpace(r.Cmd)
	if r.Cmd == "" {
		return ExecRequest{}, errors.New("missing cmd")
	}
	if r.TimeoutMs < 0 {
		r.TimeoutMs = 0
	}
	return r, nil
}

// parseHeredoc reports whether ln is an EDIT_FILE trigger line.
func parseHeredoc(ln string) (file, sentinel string, ok bool) {
	m := heredocLine.FindStringSubmatch(strings.TrimRight(ln, "\r\n"))
	if m == nil {
		return "", "", false
	}
	sentinel = DefaultSentinel
	for _, s := range m[2:] {
		if s != "" {
			sentinel = s
			break
		}
	}
	return m[1], sentinel, true
}

// couldBeTrigger reports whether a partial line may still turn out to be
// an EDIT_FILE trigger.
func couldBeTrigger(partial string) bool {
	t := strings.TrimLeft(partial, " \t")
	return strings.HasPrefix(HeredocToken, t) || strings.HasPrefix(t, HeredocToken)
}

func fenceOpen(ln string) (info string, ok bool) {
	t := strings.TrimSpace(ln)
	if !strings.HasPrefix(t, "```") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimLeft(t, "`")), true
}

func fenceClose(ln string) bool {
	return strings.TrimSpace(ln) == "```"
}

func fenceKind(info string) Kind {
	switch {
	case strings.Contains(info, EditMarker):
		return KindEdit
	case strings.Contains(info, ExecMarker):
		return KindExec
	default:
		return KindNone
	}
}

func emitProse(out *[]Span, text string) {
	if text == "" {
		return
	}
	*out = append(*out, Span{State: Prose, Text: text})
}

func mergeProse(spans []Span) []Span {
	if len(spans) < 2 {
		return spans
	}
	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.State == Prose && last.State == Prose {
			last.Text += s.Text
			continue
		}
		merged = append(merged, s)
	}
	return merged
}
