// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

// Package htmlrewriter implements the streaming HTML rewriter: handlers
// are registered against CSS-like selectors and the body is re-emitted
// incrementally with mutations applied.
package htmlrewriter

import (
	"io"

	"github.com/zeebo/errs"
	"golang.org/x/net/html"
)

// Error is the default rewriter error class.
var Error = errs.Class("htmlrewriter")

// ElementHandlers are the callbacks of one selector registration. Nil
// callbacks are skipped.
type ElementHandlers struct {
	// Element fires on every matching element start.
	Element func(*Element) error
	// Comments fires on comments inside a matching element.
	Comments func(*Comment) error
	// Text fires on text chunks inside a matching element.
	Text func(*Text) error
}

// DocumentHandlers fire once per document, independent of selectors.
type DocumentHandlers struct {
	Doctype  func(*Doctype) error
	Comments func(*Comment) error
	Text     func(*Text) error
	End      func(*DocumentEnd) error
}

type rule struct {
	source   string
	handlers ElementHandlers
}

// Rewriter accumulates registrations; Transform runs them over a body.
// Instances are independent and share no state.
type Rewriter struct {
	rules []rule
	docs  []DocumentHandlers
}

// New creates an empty rewriter.
func New() *Rewriter { return &Rewriter{} }

// On registers element handlers for a selector. Selector errors only
// surface when the transformed body is consumed.
func (rewriter *Rewriter) On(selector string, handlers ElementHandlers) *Rewriter {
	rewriter.rules = append(rewriter.rules, rule{source: selector, handlers: handlers})
	return rewriter
}

// OnDocument registers document-level handlers.
func (rewriter *Rewriter) OnDocument(handlers DocumentHandlers) *Rewriter {
	rewriter.docs = append(rewriter.docs, handlers)
	return rewriter
}

// Transform returns a reader producing the rewritten body. Handler and
// selector errors propagate through the reader.
func (rewriter *Rewriter) Transform(body io.Reader) io.ReadCloser {
	selectors := make([]*selector, len(rewriter.rules))
	for i, rule := range rewriter.rules {
		compiled, err := parseSelector(rule.source)
		if err != nil {
			return &errReader{err: err}
		}
		selectors[i] = compiled
	}

	reader, writer := io.Pipe()
	t := &transformer{
		rules:     rewriter.rules,
		selectors: selectors,
		docs:      rewriter.docs,
		out:       writer,
	}
	go func() { writer.CloseWithError(t.run(body)) }()
	return reader
}

type errReader struct{ err error }

func (r *errReader) Read([]byte) (int, error) { return 0, r.err }
func (r *errReader) Close() error             { return nil }

// voidElements have no end tag and no children.
var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

// openElement is one stack entry of the transform.
type openElement struct {
	info    *elementInfo
	matched []int

	// marker frames track nesting inside dropped content
	marker       bool
	dropChildren bool
	emitEnd      bool
	appendChunks []chunk
	afterChunks  []chunk
	endHandlers  []func(*EndTag) error

	childCount int
	typeCounts map[string]int
}

type transformer struct {
	rules     []rule
	selectors []*selector
	docs      []DocumentHandlers
	out       *io.PipeWriter

	stack []*openElement
	root  openElement
}

func (t *transformer) write(s string) error {
	if s == "" {
		return nil
	}
	_, err := io.WriteString(t.out, s)
	return err
}

// dropping reports whether any open element is discarding its children.
func (t *transformer) dropping() bool {
	for _, frame := range t.stack {
		if frame.dropChildren {
			return true
		}
	}
	return false
}

// matchedRules returns the rule indexes matched by any open element, in
// registration order.
func (t *transformer) matchedRules() []int {
	seen := make(map[int]bool)
	for _, frame := range t.stack {
		for _, index := range frame.matched {
			seen[index] = true
		}
	}
	var ordered []int
	for index := range t.rules {
		if seen[index] {
			ordered = append(ordered, index)
		}
	}
	return ordered
}

type pendingText struct {
	data string
	raw  string
}

func (t *transformer) run(body io.Reader) error {
	tokenizer := html.NewTokenizer(body)
	var pending *pendingText

	for {
		tokenType := tokenizer.Next()
		if tokenType == html.ErrorToken {
			err := tokenizer.Err()
			if err == io.EOF {
				if pending != nil {
					if err := t.text(pending, true); err != nil {
						return err
					}
				}
				return t.finish()
			}
			return Error.Wrap(err)
		}
		raw := string(tokenizer.Raw())

		if tokenType == html.TextToken {
			if pending != nil {
				if err := t.text(pending, false); err != nil {
					return err
				}
			}
			token := tokenizer.Token()
			pending = &pendingText{data: token.Data, raw: raw}
			continue
		}
		if pending != nil {
			if err := t.text(pending, true); err != nil {
				return err
			}
			pending = nil
		}

		var err error
		switch tokenType {
		case html.StartTagToken, html.SelfClosingTagToken:
			token := tokenizer.Token()
			selfClosing := tokenType == html.SelfClosingTagToken || voidElements[token.Data]
			err = t.startTag(token, raw, selfClosing)
		case html.EndTagToken:
			token := tokenizer.Token()
			err = t.endTag(token.Data, raw)
		case html.CommentToken:
			token := tokenizer.Token()
			err = t.comment(token.Data, raw)
		case html.DoctypeToken:
			token := tokenizer.Token()
			err = t.doctype(token.Data, raw)
		}
		if err != nil {
			return err
		}
	}
}

func (t *transformer) text(pending *pendingText, last bool) error {
	if t.dropping() {
		return nil
	}
	handle := &Text{text: pending.data, last: last}
	for _, doc := range t.docs {
		if doc.Text != nil {
			if err := doc.Text(handle); err != nil {
				return err
			}
		}
	}
	for _, index := range t.matchedRules() {
		if handler := t.rules[index].handlers.Text; handler != nil {
			if err := handler(handle); err != nil {
				return err
			}
		}
	}
	return t.emitMutable(&handle.mutable, pending.raw)
}

func (t *transformer) comment(data, raw string) error {
	if t.dropping() {
		return nil
	}
	handle := &Comment{text: data}
	for _, doc := range t.docs {
		if doc.Comments != nil {
			if err := doc.Comments(handle); err != nil {
				return err
			}
		}
	}
	for _, index := range t.matchedRules() {
		if handler := t.rules[index].handlers.Comments; handler != nil {
			if err := handler(handle); err != nil {
				return err
			}
		}
	}
	if handle.changed && handle.mode == modeKeep {
		raw = "<!--" + handle.text + "-->"
	}
	return t.emitMutable(&handle.mutable, raw)
}

func (t *transformer) doctype(name, raw string) error {
	if t.dropping() {
		return nil
	}
	handle := &Doctype{name: name}
	for _, doc := range t.docs {
		if doc.Doctype != nil {
			if err := doc.Doctype(handle); err != nil {
				return err
			}
		}
	}
	return t.write(raw)
}

// emitMutable writes one token with its before/after insertions and
// replacement or removal applied.
func (t *transformer) emitMutable(m *mutable, original string) error {
	if err := t.write(renderChunks(m.before)); err != nil {
		return err
	}
	switch m.mode {
	case modeKeep:
		if err := t.write(original); err != nil {
			return err
		}
	case modeReplace:
		if err := t.write(renderChunks(m.replace)); err != nil {
			return err
		}
	}
	return t.write(renderChunks(m.after))
}

func (t *transformer) parent() *openElement {
	if len(t.stack) == 0 {
		return &t.root
	}
	return t.stack[len(t.stack)-1]
}

func (t *transformer) startTag(token html.Token, raw string, selfClosing bool) error {
	if t.dropping() {
		if !selfClosing {
			t.stack = append(t.stack, &openElement{
				info:   &elementInfo{tag: token.Data},
				marker: true,
			})
		}
		return nil
	}

	parent := t.parent()
	parent.childCount++
	if parent.typeCounts == nil {
		parent.typeCounts = make(map[string]int)
	}
	parent.typeCounts[token.Data]++

	attrs := make(map[string]string, len(token.Attr))
	for _, attr := range token.Attr {
		attrs[attr.Key] = attr.Val
	}
	info := &elementInfo{
		tag:        token.Data,
		attrs:      attrs,
		childIndex: parent.childCount,
		typeIndex:  parent.typeCounts[token.Data],
	}

	// match with the element provisionally on the stack
	matchStack := make([]*elementInfo, 0, len(t.stack)+1)
	for _, frame := range t.stack {
		matchStack = append(matchStack, frame.info)
	}
	matchStack = append(matchStack, info)

	var matched []int
	handle := &Element{tag: token.Data, attrs: token.Attr}
	for index, compiled := range t.selectors {
		if !compiled.matches(matchStack) {
			continue
		}
		matched = append(matched, index)
		if handler := t.rules[index].handlers.Element; handler != nil {
			if err := handler(handle); err != nil {
				return err
			}
		}
	}

	if err := t.write(renderChunks(handle.before)); err != nil {
		return err
	}

	switch handle.mode {
	case modeRemove, modeReplace:
		if handle.mode == modeReplace {
			if err := t.write(renderChunks(handle.replace)); err != nil {
				return err
			}
		}
		if err := t.write(renderChunks(handle.after)); err != nil {
			return err
		}
		if !selfClosing {
			t.stack = append(t.stack, &openElement{info: info, dropChildren: true})
		}
		return nil

	case modeRemoveKeepContent:
		if selfClosing {
			return t.write(renderChunks(handle.after))
		}
		t.stack = append(t.stack, &openElement{
			info:        info,
			matched:     matched,
			afterChunks: handle.after,
			endHandlers: handle.endHandlers,
		})
		return nil
	}

	tag := raw
	if handle.attrsChanged {
		tag = handle.startTag(selfClosing && !voidElements[token.Data])
	}
	if err := t.write(tag); err != nil {
		return err
	}
	if selfClosing {
		return t.write(renderChunks(handle.after))
	}
	if err := t.write(renderChunks(handle.prepend)); err != nil {
		return err
	}
	frame := &openElement{
		info:         info,
		matched:      matched,
		emitEnd:      true,
		appendChunks: handle.appendChunks,
		afterChunks:  handle.after,
		endHandlers:  handle.endHandlers,
	}
	if handle.setInner {
		if err := t.write(renderChunks(handle.inner)); err != nil {
			return err
		}
		frame.dropChildren = true
	}
	t.stack = append(t.stack, frame)
	return nil
}

func (t *transformer) endTag(tag, raw string) error {
	if len(t.stack) == 0 || t.stack[len(t.stack)-1].info.tag != tag {
		// stray end tag: pass through unless inside dropped content
		if t.dropping() {
			return nil
		}
		return t.write(raw)
	}
	frame := t.stack[len(t.stack)-1]
	t.stack = t.stack[:len(t.stack)-1]

	if frame.marker || (frame.dropChildren && !frame.emitEnd) {
		return nil
	}
	if err := t.write(renderChunks(frame.appendChunks)); err != nil {
		return err
	}
	if frame.emitEnd {
		handle := &EndTag{tag: tag}
		for _, handler := range frame.endHandlers {
			if err := handler(handle); err != nil {
				return err
			}
		}
		if err := t.emitMutable(&handle.mutable, raw); err != nil {
			return err
		}
	}
	return t.write(renderChunks(frame.afterChunks))
}

func (t *transformer) finish() error {
	handle := &DocumentEnd{}
	for _, doc := range t.docs {
		if doc.End != nil {
			if err := doc.End(handle); err != nil {
				return err
			}
		}
	}
	return t.write(renderChunks(handle.appendChunks))
}
