package patterns

// Advice is the user-facing guidance attached to findings of a category.
// Rules identify and locate clauses; what a reader should do about a
// category of clause is uniform, so it lives here rather than on each rule.
type Advice struct {
	Recommendation string
	Impact         string
}

var adviceByCategory = map[string]Advice{
	"data_collection": {
		Recommendation: "Review which data the service collects and disable or limit collection where settings allow.",
		Impact:         "Personal data may be collected beyond what the service needs to function.",
	},
	"data_sharing": {
		Recommendation: "Check for an opt-out of third-party sharing and exercise it; ask the provider for its partner list.",
		Impact:         "Personal data may be disclosed or sold to third parties outside this agreement.",
	},
	"user_rights": {
		Recommendation: "Confirm how to exercise access, correction, and deletion rights before relying on the service.",
		Impact:         "Rights over personal data may be restricted, delayed, or waived.",
	},
	"liability": {
		Recommendation: "Weigh whether the disclaimed liability is acceptable for how the service will be used.",
		Impact:         "The provider may owe nothing if the service causes damage or loss.",
	},
	"retention": {
		Recommendation: "Ask how long data is kept after account closure and request deletion explicitly.",
		Impact:         "Personal data may be retained indefinitely or beyond the stated purpose.",
	},
	"arbitration": {
		Recommendation: "Check for an arbitration opt-out window; these are typically 30 days from acceptance.",
		Impact:         "Disputes may be forced into individual arbitration, waiving court and class-action remedies.",
	},
}

var genericAdvice = Advice{
	Recommendation: "Review this clause with care; consider asking the provider to clarify its scope.",
	Impact:         "This clause may reduce protections users typically expect.",
}

// AdviceFor returns the guidance for a rule category, with a generic
// fallback for categories the table does not know.
func AdviceFor(category string) Advice {
	if a, ok := adviceByCategory[category]; ok {
		return a
	}
	return genericAdvice
}
