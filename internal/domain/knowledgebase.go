package domain

// KnowledgeType is the storage flavour of a knowledgebase.
type KnowledgeType string

const (
	KnowledgeGraph  KnowledgeType = "graph"
	KnowledgeVector KnowledgeType = "vector"
)

// Valid reports whether k is a known knowledge type.
func (k KnowledgeType) Valid() bool {
	return k == KnowledgeGraph || k == KnowledgeVector
}

// File is a document uploaded into a knowledgebase.
type File struct {
	FileID    string `json:"file_id"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Timestamp int64  `json:"time_stamp"`
}

// Knowledgebase groups uploaded files for retrieval.
type Knowledgebase struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Description   string        `json:"description,omitempty"`
	KnowledgeType KnowledgeType `json:"knowledge_type"`
	SessionID     string        `json:"session_id,omitempty"`
	FileCount     int           `json:"file_count"`
	Files         []File        `json:"files,omitempty"`
}
