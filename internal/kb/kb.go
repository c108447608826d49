// Package kb loads the chatbot knowledge base: an immutable catalog of intents.
package kb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// FallbackTag is the tag of the catch-all intent every knowledge base must carry.
const FallbackTag = "fallback"

// GreetingTag is the tag of the intent used to open conversations.
const GreetingTag = "greeting"

// Intent is a labeled category of user purpose.
type Intent struct {
	Tag       string   `json:"tag" yaml:"tag"`
	Patterns  []string `json:"patterns" yaml:"patterns"`
	Responses []string `json:"responses" yaml:"responses"`
}

// DatasetError reports a knowledge base source that is present but unusable.
type DatasetError struct {
	Path string
	Err  error
}

func (e *DatasetError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid knowledge base: %v", e.Err)
	}
	return fmt.Sprintf("invalid knowledge base %s: %v", e.Path, e.Err)
}

func (e *DatasetError) Unwrap() error {
	return e.Err
}

// KnowledgeBase is an immutable, ordered set of intents.
// Intents returned by its methods must not be modified.
type KnowledgeBase struct {
	intents []*Intent
	byTag   map[string]*Intent
}

// New validates intents and builds a knowledge base preserving declaration order.
func New(intents []Intent) (*KnowledgeBase, error) {
	kb := &KnowledgeBase{
		intents: make([]*Intent, 0, len(intents)),
		byTag:   make(map[string]*Intent, len(intents)),
	}

	for i := range intents {
		in := intents[i]
		in.Tag = strings.TrimSpace(in.Tag)
		if in.Tag == "" {
			return nil, &DatasetError{Err: fmt.Errorf("intent %d has an empty tag", i)}
		}
		if _, dup := kb.byTag[in.Tag]; dup {
			return nil, &DatasetError{Err: fmt.Errorf("duplicate intent tag %q", in.Tag)}
		}
		if len(in.Responses) == 0 {
			return nil, &DatasetError{Err: fmt.Errorf("intent %q has no responses", in.Tag)}
		}
		in.Patterns = slices.Clone(in.Patterns)
		in.Responses = slices.Clone(in.Responses)

		ptr := &in
		kb.intents = append(kb.intents, ptr)
		kb.byTag[in.Tag] = ptr
	}

	if _, ok := kb.byTag[FallbackTag]; !ok {
		return nil, &DatasetError{Err: fmt.Errorf("missing %q intent", FallbackTag)}
	}

	return kb, nil
}

// Builtin returns the minimal knowledge base used when no dataset is available.
func Builtin() *KnowledgeBase {
	kb, err := New([]Intent{
		{
			Tag:      GreetingTag,
			Patterns: []string{"hi", "hello", "hey", "how are you"},
			Responses: []string{
				"Hello! How can I help you today?",
				"Hi there! How are you feeling today?",
				"Hey! What brings you here today?",
			},
		},
		{
			Tag: FallbackTag,
			Responses: []string{
				"I'm not sure I understand. Could you rephrase that?",
				"I didn't quite catch that. Can you explain differently?",
			},
		},
	})
	if err != nil {
		panic("kb: invalid builtin knowledge base: " + err.Error())
	}
	return kb
}

// Load reads a dataset from path. JSON is expected unless the extension is
// .yaml or .yml. A missing file yields the builtin knowledge base; a present
// but malformed file yields a *DatasetError.
func Load(path string) (*KnowledgeBase, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Builtin(), nil
	}
	if err != nil {
		return nil, &DatasetError{Path: path, Err: err}
	}

	kb, err := Parse(raw, formatFor(path))
	if err != nil {
		var dsErr *DatasetError
		if errors.As(err, &dsErr) {
			dsErr.Path = path
			return nil, dsErr
		}
		return nil, &DatasetError{Path: path, Err: err}
	}
	return kb, nil
}

// Format names a dataset encoding.
type Format string

// Supported dataset encodings.
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

func formatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Parse decodes a dataset document in the given format.
func Parse(raw []byte, format Format) (*KnowledgeBase, error) {
	var doc struct {
		Intents *[]Intent `json:"intents" yaml:"intents"`
	}

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, &DatasetError{Err: fmt.Errorf("decode yaml: %w", err)}
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(raw))
		if err := dec.Decode(&doc); err != nil {
			return nil, &DatasetError{Err: fmt.Errorf("decode json: %w", err)}
		}
	}

	if doc.Intents == nil {
		return nil, &DatasetError{Err: errors.New(`missing "intents" list`)}
	}
	return New(*doc.Intents)
}

// Intents returns the intents in declaration order.
func (kb *KnowledgeBase) Intents() []*Intent {
	return slices.Clone(kb.intents)
}

// Intent looks up an intent by tag.
func (kb *KnowledgeBase) Intent(tag string) (*Intent, bool) {
	in, ok := kb.byTag[tag]
	return in, ok
}

// Fallback returns the catch-all intent.
func (kb *KnowledgeBase) Fallback() *Intent {
	return kb.byTag[FallbackTag]
}

// Tags returns intent tags in declaration order.
func (kb *KnowledgeBase) Tags() []string {
	tags := make([]string, len(kb.intents))
	for i, in := range kb.intents {
		tags[i] = in.Tag
	}
	return tags
}

// Len returns the number of intents.
func (kb *KnowledgeBase) Len() int {
	return len(kb.intents)
}

// PatternCount returns the total number of trigger patterns.
func (kb *KnowledgeBase) PatternCount() int {
	n := 0
	for _, in := range kb.intents {
		n += len(in.Patterns)
	}
	return n
}
