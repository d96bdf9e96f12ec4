package graph

import "encoding/json"

// Join concatenates Parts with Delimiter when the template is applied.
// Parts may hold strings, Ref and Attr values.
type Join struct {
	Delimiter string
	Parts     []any
}

func (r Ref) intrinsic() map[string]any {
	return map[string]any{"Ref": r.Name}
}

func (a Attr) intrinsic() map[string]any {
	return map[string]any{"Fn::GetAtt": []string{a.Name, a.Attribute}}
}

func (j Join) intrinsic() map[string]any {
	parts := j.Parts
	if parts == nil {
		parts = []any{}
	}
	return map[string]any{"Fn::Join": []any{j.Delimiter, parts}}
}

func (r Ref) MarshalYAML() (any, error)  { return r.intrinsic(), nil }
func (a Attr) MarshalYAML() (any, error) { return a.intrinsic(), nil }
func (j Join) MarshalYAML() (any, error) { return j.intrinsic(), nil }

func (r Ref) MarshalJSON() ([]byte, error)  { return json.Marshal(r.intrinsic()) }
func (a Attr) MarshalJSON() ([]byte, error) { return json.Marshal(a.intrinsic()) }
func (j Join) MarshalJSON() ([]byte, error) { return json.Marshal(j.intrinsic()) }
