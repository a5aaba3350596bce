package types

// ResponseMeta contains non-blocking metadata returned with API responses.
type ResponseMeta struct {
	Warnings []string `json:"warnings,omitempty"`
}
