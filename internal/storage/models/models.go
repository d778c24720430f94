package models

import "time"

// Graph is one server-generated visualization. ID is unique within its
// section only. GraphHTML is an opaque base64 HTML document.
type Graph struct {
	ID         int    `json:"id"`
	Timestamp  int64  `json:"timestamp"`
	Prompt     string `json:"prompt"`
	GraphHTML  string `json:"graph_html"`
	IsUpToDate bool   `json:"is_up_to_date"`
}

func (g Graph) CreatedAt() time.Time {
	return time.Unix(g.Timestamp, 0)
}

// Section is one connected table and the graphs built on it.
type Section struct {
	TableName    string            `json:"table_name"`
	DisplayName  string            `json:"display_name"`
	Data         []map[string]any  `json:"data"`
	Columns      []string          `json:"columns"`
	Descriptions map[string]string `json:"descriptions"`
	Graphs       []Graph           `json:"graphs"`
}

// Clone returns a deep copy so callers never share slices with the store.
func (s Section) Clone() Section {
	out := s
	if s.Data != nil {
		out.Data = make([]map[string]any, len(s.Data))
		for i, row := range s.Data {
			cp := make(map[string]any, len(row))
			for k, v := range row {
				cp[k] = v
			}
			out.Data[i] = cp
		}
	}
	if s.Columns != nil {
		out.Columns = append([]string(nil), s.Columns...)
	}
	if s.Descriptions != nil {
		out.Descriptions = make(map[string]string, len(s.Descriptions))
		for k, v := range s.Descriptions {
			out.Descriptions[k] = v
		}
	}
	if s.Graphs != nil {
		out.Graphs = append([]Graph(nil), s.Graphs...)
	}
	return out
}

// FindGraph returns the graph with the given id.
func (s Section) FindGraph(id int) (Graph, bool) {
	for _, g := range s.Graphs {
		if g.ID == id {
			return g, true
		}
	}
	return Graph{}, false
}

// User is the profile returned by the remote API for a session token.
type User struct {
	ID          int    `json:"id"`
	Email       string `json:"email"`
	Username    string `json:"username"`
	AuthType    string `json:"auth_type"`
	CompanyName string `json:"company_name"`
}

// CachedAsset is a third-party script payload keyed by its URL.
type CachedAsset struct {
	URL       string
	Content   []byte
	Digest    string
	FetchedAt time.Time
}

// MirrorRecord is the persisted copy of a session's last good dashboard.
type MirrorRecord struct {
	Key       string
	Payload   []byte
	UpdatedAt time.Time
}
