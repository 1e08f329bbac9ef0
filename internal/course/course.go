package course

// Course is one loadable course: metadata, rendered content, and the
// backend container it runs against.
type Course struct {
	ID               string   `json:"id" yaml:"id"`
	Title            string   `json:"title" yaml:"title"`
	Description      string   `json:"description" yaml:"description"`
	Details          Detail   `json:"details" yaml:"details"`
	Backend          Backend  `json:"backend" yaml:"backend"`
	Difficulty       string   `json:"difficulty" yaml:"difficulty"`
	EstimatedMinutes int      `json:"estimatedMinutes" yaml:"estimatedMinutes"`
	Tags             []string `json:"tags" yaml:"tags"`
}

// Detail holds the course content files.
type Detail struct {
	Intro  File   `json:"intro" yaml:"intro"`
	Steps  []Step `json:"steps" yaml:"steps"`
	Finish File   `json:"finish" yaml:"finish"`
}

// Step is one course step. Text names the markdown file, Content is its
// loaded body.
type Step struct {
	Title   string `json:"title" yaml:"title"`
	Text    string `json:"text" yaml:"text"`
	Content string `json:"content,omitempty"`
}

// File is a named markdown file plus its loaded body.
type File struct {
	Text    string `json:"text" yaml:"text"`
	Content string `json:"content,omitempty"`
}

// Backend describes the container a course runs in.
type Backend struct {
	Image      string            `json:"image" yaml:"image"`
	Port       int               `json:"port" yaml:"port"`
	Cmd        []string          `json:"cmd,omitempty" yaml:"cmd,omitempty"`
	Env        []string          `json:"env,omitempty" yaml:"env,omitempty"`
	Volumes    []string          `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	Ports      map[string]string `json:"ports,omitempty" yaml:"ports,omitempty"`
	Workspace  string            `json:"workspace,omitempty" yaml:"workspace,omitempty"`
	Privileged bool              `json:"privileged,omitempty" yaml:"privileged,omitempty"`
}
