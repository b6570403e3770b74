package matrix

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Matrix is a task × role responsibility table. Tasks and the roles within
// each task keep insertion order, which drives deterministic processing.
type Matrix struct {
	tasks []string
	rows  map[string]*row
}

type row struct {
	roles []string
	cells map[string]Cell
}

// Change is a single cell edit. An empty Role declares the task without
// assigning anything; an empty Cell removes the role from the task.
type Change struct {
	Task string `json:"task"`
	Role string `json:"role,omitempty"`
	Cell Cell   `json:"cell"`
}

func (c Change) String() string {
	return fmt.Sprintf("%s/%s=%s", c.Task, c.Role, c.Cell)
}

// New creates an empty matrix.
func New() *Matrix {
	return &Matrix{rows: make(map[string]*row)}
}

// Len returns the number of tasks.
func (m *Matrix) Len() int {
	return len(m.tasks)
}

// Tasks returns the task names in insertion order.
func (m *Matrix) Tasks() []string {
	out := make([]string, len(m.tasks))
	copy(out, m.tasks)
	return out
}

// HasTask reports whether the task has a row.
func (m *Matrix) HasTask(task string) bool {
	_, ok := m.rows[task]
	return ok
}

// AddTask declares a task row. It is a no-op for existing tasks.
func (m *Matrix) AddTask(task string) {
	if m.rows == nil {
		m.rows = make(map[string]*row)
	}
	if _, ok := m.rows[task]; ok {
		return
	}
	m.tasks = append(m.tasks, task)
	m.rows[task] = &row{cells: make(map[string]Cell)}
}

// RemoveTask drops a task row and reports whether it existed.
func (m *Matrix) RemoveTask(task string) bool {
	if _, ok := m.rows[task]; !ok {
		return false
	}
	delete(m.rows, task)
	m.tasks = removeString(m.tasks, task)
	return true
}

// Set assigns a cell, creating the task row if needed. Setting the empty
// cell removes the role from the task but keeps the task row.
func (m *Matrix) Set(task, role string, cell Cell) {
	m.AddTask(task)
	r := m.rows[task]
	if cell.Empty() {
		if _, ok := r.cells[role]; ok {
			delete(r.cells, role)
			r.roles = removeString(r.roles, role)
		}
		return
	}
	if _, ok := r.cells[role]; !ok {
		r.roles = append(r.roles, role)
	}
	r.cells[role] = cell
}

// Get returns the cell for task and role, or the empty cell.
func (m *Matrix) Get(task, role string) Cell {
	r, ok := m.rows[task]
	if !ok {
		return 0
	}
	return r.cells[role]
}

// Roles returns the roles assigned on a task, in insertion order.
func (m *Matrix) Roles(task string) []string {
	r, ok := m.rows[task]
	if !ok {
		return nil
	}
	out := make([]string, len(r.roles))
	copy(out, r.roles)
	return out
}

// RolesWith returns the roles on a task whose cell contains code.
func (m *Matrix) RolesWith(task string, code Code) []string {
	r, ok := m.rows[task]
	if !ok {
		return nil
	}
	var out []string
	for _, role := range r.roles {
		if r.cells[role].Has(code) {
			out = append(out, role)
		}
	}
	return out
}

// AllRoles returns every referenced role in first-seen order.
func (m *Matrix) AllRoles() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, task := range m.tasks {
		for _, role := range m.rows[task].roles {
			if _, ok := seen[role]; ok {
				continue
			}
			seen[role] = struct{}{}
			out = append(out, role)
		}
	}
	return out
}

// TasksReferencing returns the tasks on which role holds any code.
func (m *Matrix) TasksReferencing(role string) []string {
	var out []string
	for _, task := range m.tasks {
		if !m.rows[task].cells[role].Empty() {
			out = append(out, task)
		}
	}
	return out
}

// Apply applies changes in order.
func (m *Matrix) Apply(changes []Change) {
	for _, c := range changes {
		if c.Role == "" {
			m.AddTask(c.Task)
			continue
		}
		m.Set(c.Task, c.Role, c.Cell)
	}
}

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	out := New()
	for _, task := range m.tasks {
		src := m.rows[task]
		r := &row{
			roles: make([]string, len(src.roles)),
			cells: make(map[string]Cell, len(src.cells)),
		}
		copy(r.roles, src.roles)
		for k, v := range src.cells {
			r.cells[k] = v
		}
		out.tasks = append(out.tasks, task)
		out.rows[task] = r
	}
	return out
}

// Equal reports whether both matrices hold the same tasks, roles and cells
// in the same order.
func (m *Matrix) Equal(o *Matrix) bool {
	if o == nil || len(m.tasks) != len(o.tasks) {
		return false
	}
	for i, task := range m.tasks {
		if o.tasks[i] != task {
			return false
		}
		a, b := m.rows[task], o.rows[task]
		if len(a.roles) != len(b.roles) {
			return false
		}
		for j, role := range a.roles {
			if b.roles[j] != role || a.cells[role] != b.cells[role] {
				return false
			}
		}
	}
	return true
}

// Diff returns the changes that turn from into to, and whether any task of
// from is missing in to (which changes cannot express).
func Diff(from, to *Matrix) (changes []Change, removedTasks bool) {
	for _, task := range from.tasks {
		if !to.HasTask(task) {
			removedTasks = true
		}
	}
	for _, task := range to.tasks {
		if !from.HasTask(task) {
			changes = append(changes, Change{Task: task})
		}
		for _, role := range from.Roles(task) {
			if to.Get(task, role).Empty() {
				changes = append(changes, Change{Task: task, Role: role})
			}
		}
		for _, role := range to.rows[task].roles {
			if cell := to.rows[task].cells[role]; from.Get(task, role) != cell {
				changes = append(changes, Change{Task: task, Role: role, Cell: cell})
			}
		}
	}
	return changes, removedTasks
}

// MarshalJSON encodes the matrix as an object of objects, preserving order:
// {"Draft Document": {"Writer": "R"}}.
func (m *Matrix) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, task := range m.tasks {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(task)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteString(":{")
		r := m.rows[task]
		for j, role := range r.roles {
			if j > 0 {
				buf.WriteByte(',')
			}
			rk, err := json.Marshal(role)
			if err != nil {
				return nil, err
			}
			buf.Write(rk)
			buf.WriteByte(':')
			cv, err := json.Marshal(r.cells[role].String())
			if err != nil {
				return nil, err
			}
			buf.Write(cv)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes the object form, keeping key order. Null rows and
// null or empty cells are accepted and leave the role unassigned.
func (m *Matrix) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	out := New()
	if tok == nil {
		*m = *out
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("matrix: expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		task, ok := tok.(string)
		if !ok {
			return fmt.Errorf("matrix: expected task name, got %v", tok)
		}
		if strings.TrimSpace(task) == "" {
			return ErrEmptyName
		}
		out.AddTask(task)
		if err := decodeRow(dec, out, task); err != nil {
			return fmt.Errorf("matrix: task %q: %w", task, err)
		}
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*m = *out
	return nil
}

func decodeRow(dec *json.Decoder, out *Matrix, task string) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("expected object, got %v", tok)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		role, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected role name, got %v", tok)
		}
		var raw *string
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("role %q: %w", role, err)
		}
		if raw == nil {
			continue
		}
		cell, err := ParseCell(*raw)
		if err != nil {
			return fmt.Errorf("role %q: %w", role, err)
		}
		out.Set(task, role, cell)
	}
	_, err = dec.Token()
	return err
}

// MarshalYAML emits an ordered mapping of mappings.
func (m *Matrix) MarshalYAML() (interface{}, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	for _, task := range m.tasks {
		r := m.rows[task]
		rowNode := &yaml.Node{Kind: yaml.MappingNode, Style: yaml.FlowStyle}
		for _, role := range r.roles {
			rowNode.Content = append(rowNode.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: role},
				&yaml.Node{Kind: yaml.ScalarNode, Value: r.cells[role].String()},
			)
		}
		root.Content = append(root.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: task}, rowNode)
	}
	return root, nil
}

// UnmarshalYAML decodes an ordered mapping of mappings.
func (m *Matrix) UnmarshalYAML(value *yaml.Node) error {
	out := New()
	if value.Kind == yaml.ScalarNode && value.Tag == "!!null" {
		*m = *out
		return nil
	}
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("matrix: line %d: expected a mapping of tasks", value.Line)
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		task := value.Content[i].Value
		if strings.TrimSpace(task) == "" {
			return fmt.Errorf("matrix: line %d: %w", value.Content[i].Line, ErrEmptyName)
		}
		out.AddTask(task)
		rowNode := value.Content[i+1]
		if rowNode.Kind == yaml.ScalarNode && rowNode.Tag == "!!null" {
			continue
		}
		if rowNode.Kind != yaml.MappingNode {
			return fmt.Errorf("matrix: line %d: task %q: expected a mapping of roles", rowNode.Line, task)
		}
		for j := 0; j+1 < len(rowNode.Content); j += 2 {
			role := rowNode.Content[j].Value
			cellNode := rowNode.Content[j+1]
			if cellNode.Tag == "!!null" {
				continue
			}
			cell, err := ParseCell(cellNode.Value)
			if err != nil {
				return fmt.Errorf("matrix: line %d: task %q role %q: %w", cellNode.Line, task, role, err)
			}
			out.Set(task, role, cell)
		}
	}
	*m = *out
	return nil
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
