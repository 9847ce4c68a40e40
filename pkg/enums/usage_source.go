package enums

// UsageSource records which bucket a page consumption drew from.
type UsageSource string

const (
	UsageSourceSubscription UsageSource = "subscription"
	UsageSourceCredits      UsageSource = "credits"
)
