package domain

// JobSpec is one job entry in a submitted plan, as received over the wire.
type JobSpec struct {
	ID        string   `json:"id" validate:"required"`
	Operation string   `json:"operation" validate:"required"`
	Params    JSONMap  `json:"params"`
	DependsOn []string `json:"dependsOn,omitempty"`
}

// Plan is the JSON body of POST /execute's executionPlan field.
type Plan struct {
	Jobs             []JobSpec `json:"jobs" validate:"required,min=1,dive"`
	BaseExecutionID  string    `json:"baseExecutionId,omitempty"`
}

// RegisteredOperations is the initial set of supported operation kinds.
var RegisteredOperations = map[string]bool{
	"generateImage":            true,
	"generateVideo":            true,
	"generateAudio":            true,
	"merge":                    true,
	"reframe":                  true,
	"lipSync":                  true,
	"addSubtitles":             true,
	"removeBackground":         true,
	"removeImageBackground":    true,
	"replaceGreenScreen":       true,
	"layer":                    true,
}
