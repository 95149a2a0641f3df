package state

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/blevesearch/bleve/v2"
)

const (
	subjectNotFoundMessage = "I could not find this subject. Please, try a different query"
	backToSearchLabel      = "(Go back to subject search)"
)

// NodeFactory constructs the state an attribute hands control to. It receives
// the detail menu the attribute was picked from and the search it descends from.
type NodeFactory func(r Replier, detail *SubjectInfo, search *SubjectSearch) Result

// AttrValue is either a literal text or a state factory.
type AttrValue struct {
	text    string
	factory NodeFactory
}

// Text returns a literal attribute value.
func Text(value string) AttrValue {
	return AttrValue{text: value}
}

// Factory returns an attribute that hands control to the state built by fn.
func Factory(fn NodeFactory) AttrValue {
	return AttrValue{factory: fn}
}

// IsFactory reports whether the attribute constructs a state.
func (v AttrValue) IsFactory() bool {
	return v.factory != nil
}

// Value returns the literal text of the attribute.
func (v AttrValue) Value() string {
	return v.text
}

// Attr is one named attribute of a node.
type Attr struct {
	Key   string
	Value AttrValue
}

// Node is one subject in the tree.
type Node struct {
	Name     string
	Attrs    []Attr
	Children []*Node

	parent *Node
}

// Parent returns the enclosing subject, nil for the root. It is assigned when
// the tree is indexed.
func (n *Node) Parent() *Node {
	return n.parent
}

// Document is one indexed subject.
type Document struct {
	ID   int
	Name string
	Path string
	Node *Node
}

// BuildDocuments flattens the tree in pre-order, numbering subjects from 1.
// Path holds the names from the root down to the subject joined by spaces.
// Parent back references are assigned while descending.
func BuildDocuments(root *Node) []Document {
	if root == nil {
		return nil
	}

	var docs []Document
	var visit func(node *Node, prefix string)
	visit = func(node *Node, prefix string) {
		path := strings.TrimSpace(prefix + " " + node.Name)
		docs = append(docs, Document{ID: len(docs) + 1, Name: node.Name, Path: path, Node: node})
		for _, child := range node.Children {
			child.parent = node
			visit(child, path)
		}
	}
	visit(root, "")
	return docs
}

// SubjectSearch takes free text and looks it up in the subject tree.
type SubjectSearch struct {
	docs  map[string]Document
	index bleve.Index
}

// NewSubjectSearch indexes the tree rooted at root.
func NewSubjectSearch(root *Node) (*SubjectSearch, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create subject index: %w", err)
	}

	docs := BuildDocuments(root)
	s := &SubjectSearch{docs: make(map[string]Document, len(docs)), index: index}
	batch := index.NewBatch()
	for _, doc := range docs {
		id := strconv.Itoa(doc.ID)
		s.docs[id] = doc
		if err := batch.Index(id, map[string]any{"name": doc.Name, "path": doc.Path}); err != nil {
			_ = index.Close()
			return nil, fmt.Errorf("index subject %q: %w", doc.Path, err)
		}
	}
	if err := index.Batch(batch); err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("index subjects: %w", err)
	}
	return s, nil
}

// Search returns the subjects matching text, most relevant first.
func (s *SubjectSearch) Search(text string) ([]Document, error) {
	text = strings.TrimSpace(text)
	if text == "" || len(s.docs) == 0 {
		return nil, nil
	}

	byName := bleve.NewMatchQuery(text)
	byName.SetField("name")
	byPath := bleve.NewMatchQuery(text)
	byPath.SetField("path")

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(byName, byPath), len(s.docs), 0, false)
	res, err := s.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search subjects: %w", err)
	}

	matches := make([]Document, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if doc, ok := s.docs[hit.ID]; ok {
			matches = append(matches, doc)
		}
	}
	return matches, nil
}

// Documents returns the number of indexed subjects.
func (s *SubjectSearch) Documents() int {
	return len(s.docs)
}

func (s *SubjectSearch) Process(r Replier, input string) Result {
	matches, err := s.Search(input)
	if err != nil {
		r.Reply(err.Error())
		return Stay()
	}
	if len(matches) == 0 {
		r.Reply(subjectNotFoundMessage)
		return Stay()
	}
	return Transition(NewSubjectChoice(r, matches, s))
}

// Close releases the index.
func (s *SubjectSearch) Close() error {
	return s.index.Close()
}

// SubjectChoice lists search results as a numbered menu.
type SubjectChoice struct {
	*Options
	search *SubjectSearch
}

// NewSubjectChoice announces the matches and returns the menu state.
func NewSubjectChoice(r Replier, matches []Document, search *SubjectSearch) *SubjectChoice {
	choice := &SubjectChoice{search: search}

	options := make([]Option, 0, len(matches)+1)
	for i, match := range matches {
		node := match.Node
		options = append(options, Option{
			Key:   strconv.Itoa(i + 1),
			Label: match.Name,
			Handler: func(r Replier) Result {
				return Transition(NewSubjectInfo(r, node, search, choice))
			},
		})
	}
	options = append(options, Option{Key: "0", Label: backToSearchLabel, Handler: choice.backToSearch})

	label := fmt.Sprintf("I found %d subjects. Which one of these best describe your query?", len(matches))
	choice.Options = NewOptions(r, label, options)
	return choice
}

func (c *SubjectChoice) backToSearch(Replier) Result {
	return Transition(c.search)
}

// SubjectInfo is the drill-down menu of one subject.
type SubjectInfo struct {
	*Options
	node     *Node
	search   *SubjectSearch
	previous State
}

// NewSubjectInfo announces the menu for node. previous is the state the
// "(Back)" option returns to.
func NewSubjectInfo(r Replier, node *Node, search *SubjectSearch, previous State) *SubjectInfo {
	info := &SubjectInfo{node: node, search: search, previous: previous}

	var options []Option
	next := func() string {
		return strconv.Itoa(len(options) + 1)
	}
	for _, attr := range node.Attrs {
		options = append(options, Option{Key: next(), Label: attrLabel(attr.Key), Handler: info.attr(attr.Value)})
	}
	if parent := node.Parent(); parent != nil {
		options = append(options, Option{Key: next(), Label: parent.Name + " (parent)", Handler: info.subject(parent)})
	}
	for _, child := range node.Children {
		options = append(options, Option{Key: next(), Label: child.Name + " (child)", Handler: info.subject(child)})
	}
	options = append(options,
		Option{Key: next(), Label: "(Back)", Handler: info.back},
		Option{Key: "0", Label: backToSearchLabel, Handler: info.backToSearch},
	)

	info.Options = NewOptions(r, fmt.Sprintf("What do you want to know about %s?", node.Name), options)
	return info
}

// Node returns the subject the menu describes.
func (s *SubjectInfo) Node() *Node {
	return s.node
}

func (s *SubjectInfo) attr(value AttrValue) func(Replier) Result {
	return func(r Replier) Result {
		if value.IsFactory() {
			return value.factory(r, s, s.search)
		}
		r.Reply(value.Value())
		s.Announce(r)
		return Stay()
	}
}

func (s *SubjectInfo) subject(node *Node) func(Replier) Result {
	return func(r Replier) Result {
		return Transition(NewSubjectInfo(r, node, s.search, s))
	}
}

func (s *SubjectInfo) back(r Replier) Result {
	if announcer, ok := s.previous.(Announcer); ok {
		announcer.Announce(r)
	}
	return Transition(s.previous)
}

func (s *SubjectInfo) backToSearch(Replier) Result {
	return Transition(s.search)
}

// attrLabel turns an attribute key into a menu label: underscores become
// spaces, the first letter is upper-cased and the rest lower-cased.
func attrLabel(key string) string {
	key = strings.ReplaceAll(key, "_", " ")
	first, size := utf8.DecodeRuneInString(key)
	if first == utf8.RuneError {
		return key
	}
	return string(unicode.ToUpper(first)) + strings.ToLower(key[size:])
}
