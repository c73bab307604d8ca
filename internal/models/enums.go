package models

// Option is a value/label pair used to populate form selects.
type Option struct {
	Value int    `json:"value"`
	Label string `json:"label"`
}

const (
	ApplicationPending     = 1
	ApplicationShortlisted = 2
	ApplicationRejected    = 3
	ApplicationAccepted    = 4
)

func ExperienceLevels() []Option {
	return []Option{
		{Value: 1, Label: "Fresher"},
		{Value: 2, Label: "Intermediate"},
		{Value: 3, Label: "Experienced"},
	}
}

func JobTypes() []Option {
	return []Option{
		{Value: 1, Label: "Hourly"},
		{Value: 2, Label: "Daily"},
		{Value: 3, Label: "Project"},
	}
}

func ApplicationStatuses() []Option {
	return []Option{
		{Value: ApplicationPending, Label: "Pending"},
		{Value: ApplicationShortlisted, Label: "Shortlisted"},
		{Value: ApplicationRejected, Label: "Rejected"},
		{Value: ApplicationAccepted, Label: "Accepted"},
	}
}
