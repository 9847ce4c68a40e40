package stripe

// Metadata keys attached to checkout sessions and copied onto the payment
// intent or subscription they create.
const (
	MetadataUserID        = "userId"
	MetadataLegacyUserID  = "firebaseUID"
	MetadataType          = "type"
	MetadataCredits       = "credits"
	MetadataTierID        = "tierId"
	MetadataPagesPerMonth = "pagesPerMonth"
)
