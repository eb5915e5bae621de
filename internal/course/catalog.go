package course

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrCourseNotFound = errors.New("course not found")
	ErrTopicNotFound  = errors.New("topic not found")
)

// Position addresses a topic inside a course.
type Position struct {
	Module int `json:"module_index"`
	Topic  int `json:"topic_index"`
}

// TopicInfo is a topic together with what comes after it.
type TopicInfo struct {
	CourseID    string
	CourseTitle string
	Voice       string
	Position    Position
	Title       string
	Content     string
	HasNext     bool
	Next        Position
	NextTitle   string
}

// Catalog is an immutable, ordered set of courses.
type Catalog struct {
	courses map[string]Course
	order   []string
}

// NewCatalog validates and orders courses by Order, then ID.
func NewCatalog(courses ...Course) (*Catalog, error) {
	cat := &Catalog{courses: make(map[string]Course, len(courses))}
	for _, c := range courses {
		if err := Validate(c); err != nil {
			return nil, fmt.Errorf("course %q: %w", c.ID, err)
		}
		if _, dup := cat.courses[c.ID]; dup {
			return nil, fmt.Errorf("duplicate course id %q", c.ID)
		}
		cat.courses[c.ID] = c
		cat.order = append(cat.order, c.ID)
	}
	sort.SliceStable(cat.order, func(i, j int) bool {
		a, b := cat.courses[cat.order[i]], cat.courses[cat.order[j]]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.ID < b.ID
	})
	return cat, nil
}

// LoadDir loads every *.yaml / *.yml manifest in dir.
func LoadDir(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read courses dir: %w", err)
	}
	var courses []Course
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		c, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		courses = append(courses, c)
	}
	return NewCatalog(courses...)
}

// IDs lists course ids in catalog order.
func (c *Catalog) IDs() []string {
	return append([]string(nil), c.order...)
}

func (c *Catalog) Course(id string) (Course, bool) {
	course, ok := c.courses[id]
	return course, ok
}

// Topic resolves a position and computes the following topic in the course.
func (c *Catalog) Topic(courseID string, pos Position) (TopicInfo, error) {
	course, ok := c.courses[courseID]
	if !ok {
		return TopicInfo{}, fmt.Errorf("%w: %s", ErrCourseNotFound, courseID)
	}
	if pos.Module < 0 || pos.Module >= len(course.Modules) ||
		pos.Topic < 0 || pos.Topic >= len(course.Modules[pos.Module].Topics) {
		return TopicInfo{}, fmt.Errorf("%w: %s module %d topic %d", ErrTopicNotFound, courseID, pos.Module, pos.Topic)
	}
	t := course.Modules[pos.Module].Topics[pos.Topic]
	info := TopicInfo{
		CourseID:    course.ID,
		CourseTitle: course.Title,
		Voice:       course.Voice,
		Position:    pos,
		Title:       t.Title,
		Content:     t.Content,
	}
	if next, ok := nextPosition(course, pos); ok {
		info.HasNext = true
		info.Next = next
		info.NextTitle = course.Modules[next.Module].Topics[next.Topic].Title
	}
	return info, nil
}

func nextPosition(course Course, pos Position) (Position, bool) {
	if pos.Topic+1 < len(course.Modules[pos.Module].Topics) {
		return Position{Module: pos.Module, Topic: pos.Topic + 1}, true
	}
	for m := pos.Module + 1; m < len(course.Modules); m++ {
		if len(course.Modules[m].Topics) > 0 {
			return Position{Module: m}, true
		}
	}
	return Position{}, false
}

// NextCourse returns the course after courseID in catalog order.
func (c *Catalog) NextCourse(courseID string) (string, bool) {
	for i, id := range c.order {
		if id == courseID && i+1 < len(c.order) {
			return c.order[i+1], true
		}
	}
	return "", false
}

// TopicPassage is one topic's text, used to ground answers.
type TopicPassage struct {
	Title string
	Text  string
}

// Passages lists every topic of a course in order.
func (c *Catalog) Passages(courseID string) []TopicPassage {
	course, ok := c.courses[courseID]
	if !ok {
		return nil
	}
	var out []TopicPassage
	for _, m := range course.Modules {
		for _, t := range m.Topics {
			out = append(out, TopicPassage{Title: t.Title, Text: t.Content})
		}
	}
	return out
}
