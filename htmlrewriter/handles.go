// Copyright (C) 2025 Miniflare Authors.
// See LICENSE for copying information.

package htmlrewriter

import (
	"strings"

	"golang.org/x/net/html"
)

// chunk is one piece of inserted content; text chunks are escaped on
// emission, raw chunks are inserted as-is.
type chunk struct {
	text string
	raw  bool
}

func (c chunk) render() string {
	if c.raw {
		return c.text
	}
	return html.EscapeString(c.text)
}

func renderChunks(chunks []chunk) string {
	var out strings.Builder
	for _, c := range chunks {
		out.WriteString(c.render())
	}
	return out.String()
}

type mutationMode int

const (
	modeKeep mutationMode = iota
	modeRemove
	modeReplace
	modeRemoveKeepContent
)

// mutable carries the insertion lists shared by every handle kind.
type mutable struct {
	before  []chunk
	after   []chunk
	mode    mutationMode
	replace []chunk
}

// Before inserts content before this token.
func (m *mutable) Before(content string, asHTML bool) {
	m.before = append(m.before, chunk{text: content, raw: asHTML})
}

// After inserts content after this token.
func (m *mutable) After(content string, asHTML bool) {
	m.after = append(m.after, chunk{text: content, raw: asHTML})
}

// Replace substitutes this token with content.
func (m *mutable) Replace(content string, asHTML bool) {
	m.mode = modeReplace
	m.replace = []chunk{{text: content, raw: asHTML}}
}

// Remove drops this token.
func (m *mutable) Remove() {
	m.mode = modeRemove
}

// Removed reports whether the token was removed or replaced.
func (m *mutable) Removed() bool {
	return m.mode == modeRemove || m.mode == modeReplace || m.mode == modeRemoveKeepContent
}

// Element is the handle passed to element handlers. Mutations apply
// once every matching handler has run.
type Element struct {
	mutable

	tag   string
	attrs []html.Attribute

	prepend      []chunk
	appendChunks []chunk
	inner        []chunk
	setInner     bool
	attrsChanged bool
	endHandlers  []func(*EndTag) error
}

// TagName returns the lower-cased tag name.
func (el *Element) TagName() string { return el.tag }

// Attr returns the value of an attribute.
func (el *Element) Attr(name string) (string, bool) {
	name = strings.ToLower(name)
	for _, attr := range el.attrs {
		if attr.Key == name {
			return attr.Val, true
		}
	}
	return "", false
}

// SetAttr sets or replaces an attribute.
func (el *Element) SetAttr(name, value string) {
	name = strings.ToLower(name)
	el.attrsChanged = true
	for i, attr := range el.attrs {
		if attr.Key == name {
			el.attrs[i].Val = value
			return
		}
	}
	el.attrs = append(el.attrs, html.Attribute{Key: name, Val: value})
}

// RemoveAttr drops an attribute if present.
func (el *Element) RemoveAttr(name string) {
	name = strings.ToLower(name)
	for i, attr := range el.attrs {
		if attr.Key == name {
			el.attrs = append(el.attrs[:i], el.attrs[i+1:]...)
			el.attrsChanged = true
			return
		}
	}
}

// Prepend inserts content right after the start tag.
func (el *Element) Prepend(content string, asHTML bool) {
	el.prepend = append(el.prepend, chunk{text: content, raw: asHTML})
}

// Append inserts content right before the end tag.
func (el *Element) Append(content string, asHTML bool) {
	el.appendChunks = append(el.appendChunks, chunk{text: content, raw: asHTML})
}

// SetInnerContent replaces the element's children.
func (el *Element) SetInnerContent(content string, asHTML bool) {
	el.setInner = true
	el.inner = []chunk{{text: content, raw: asHTML}}
}

// RemoveAndKeepContent drops the element's tags but keeps its children.
func (el *Element) RemoveAndKeepContent() {
	el.mode = modeRemoveKeepContent
}

// OnEndTag registers a callback for this element's end tag.
func (el *Element) OnEndTag(handler func(*EndTag) error) {
	el.endHandlers = append(el.endHandlers, handler)
}

// startTag renders the (possibly mutated) start tag.
func (el *Element) startTag(selfClosing bool) string {
	var out strings.Builder
	out.WriteByte('<')
	out.WriteString(el.tag)
	for _, attr := range el.attrs {
		out.WriteByte(' ')
		out.WriteString(attr.Key)
		out.WriteString(`="`)
		out.WriteString(html.EscapeString(attr.Val))
		out.WriteByte('"')
	}
	if selfClosing {
		out.WriteString("/>")
	} else {
		out.WriteByte('>')
	}
	return out.String()
}

// EndTag is the handle passed to end-tag callbacks.
type EndTag struct {
	mutable
	tag string
}

// Name returns the lower-cased tag name.
func (tag *EndTag) Name() string { return tag.tag }

// Comment is the handle passed to comment handlers.
type Comment struct {
	mutable
	text    string
	changed bool
}

// Text returns the comment text.
func (comment *Comment) Text() string { return comment.text }

// SetText replaces the comment text.
func (comment *Comment) SetText(text string) {
	comment.text = text
	comment.changed = true
}

// Text is the handle passed to text-chunk handlers.
type Text struct {
	mutable
	text string
	last bool
}

// Content returns the decoded chunk text.
func (text *Text) Content() string { return text.text }

// LastInTextNode reports whether this is the final chunk of a text
// node.
func (text *Text) LastInTextNode() bool { return text.last }

// Doctype is the handle passed to doctype handlers.
type Doctype struct {
	name string
}

// Name returns the doctype name, normally "html".
func (doctype *Doctype) Name() string { return doctype.name }

// DocumentEnd is the handle passed to end-of-document handlers.
type DocumentEnd struct {
	appendChunks []chunk
}

// Append inserts content at the very end of the document.
func (end *DocumentEnd) Append(content string, asHTML bool) {
	end.appendChunks = append(end.appendChunks, chunk{text: content, raw: asHTML})
}
