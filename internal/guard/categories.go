package guard

import "regexp"

// CategoryListVersion identifies the pattern set below. Bump it whenever a
// pattern is added, removed or reclassified so audit entries stay comparable.
const CategoryListVersion = "safe-harbor-2024.1"

type Category string

const (
	CategoryName          Category = "name"
	CategoryGeographic    Category = "geographic"
	CategoryDate          Category = "date"
	CategoryPhone         Category = "phone"
	CategoryFax           Category = "fax"
	CategoryEmail         Category = "email"
	CategorySSN           Category = "ssn"
	CategoryMedicalRecord Category = "medical_record_number"
	CategoryHealthPlan    Category = "health_plan_number"
	CategoryAccount       Category = "account_number"
	CategoryLicense       Category = "license_number"
	CategoryVehicle       Category = "vehicle_identifier"
	CategoryDevice        Category = "device_identifier"
	CategoryURL           Category = "url"
	CategoryIPAddress     Category = "ip_address"
	CategoryBiometric     Category = "biometric"
	CategoryPhoto         Category = "photo"
	CategoryOtherUnique   Category = "other_unique_identifier"
)

// Categories lists all eighteen categories in priority order. When two
// detections cover exactly the same span the earlier category wins.
var Categories = []Category{
	CategorySSN,
	CategoryMedicalRecord,
	CategoryHealthPlan,
	CategoryAccount,
	CategoryLicense,
	CategoryDevice,
	CategoryVehicle,
	CategoryFax,
	CategoryPhone,
	CategoryEmail,
	CategoryURL,
	CategoryIPAddress,
	CategoryDate,
	CategoryName,
	CategoryGeographic,
	CategoryBiometric,
	CategoryPhoto,
	CategoryOtherUnique,
}

type Confidence int

const (
	ConfidenceLow Confidence = iota + 1
	ConfidenceMedium
	ConfidenceHigh
)

func (c Confidence) String() string {
	switch c {
	case ConfidenceLow:
		return "low"
	case ConfidenceMedium:
		return "medium"
	case ConfidenceHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseConfidence maps a config string onto a level, defaulting to medium.
func ParseConfidence(s string) Confidence {
	switch s {
	case "low":
		return ConfidenceLow
	case "high":
		return ConfidenceHigh
	default:
		return ConfidenceMedium
	}
}

// pattern is one detector. When the regexp has a capture group, only the
// first group is the identifier; the rest is context such as "MRN:".
type pattern struct {
	category   Category
	confidence Confidence
	re         *regexp.Regexp
}

const idValue = `([A-Za-z]{0,4}-?\d[A-Za-z0-9-]{3,19})`

var patterns = []pattern{
	{CategorySSN, ConfidenceHigh, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{CategorySSN, ConfidenceHigh, regexp.MustCompile(`\b\d{9}\b`)},

	{CategoryMedicalRecord, ConfidenceHigh, regexp.MustCompile(`(?i)\b(?:MRN|medical\s+record(?:\s+(?:number|no\.?|#))?)\s*[:#]?\s*` + idValue)},
	{CategoryHealthPlan, ConfidenceMedium, regexp.MustCompile(`(?i)\b(?:member|health\s+plan|insurance|policy|beneficiary)\s*(?:id|#|no\.?|number)\s*[:#]?\s*` + idValue)},
	{CategoryAccount, ConfidenceMedium, regexp.MustCompile(`(?i)\b(?:acct|account)\s*(?:#|no\.?|number)?\s*[:#]?\s*(\d{6,17})\b`)},
	{CategoryLicense, ConfidenceMedium, regexp.MustCompile(`(?i)\b(?:license|licence|DL|DEA|NPI|certificate)\s*(?:#|no\.?|number)?\s*[:#]?\s*` + idValue)},
	{CategoryDevice, ConfidenceMedium, regexp.MustCompile(`(?i)\b(?:serial|device|implant|pacemaker)\s*(?:#|no\.?|number|id)\s*[:#]?\s*` + idValue)},
	{CategoryVehicle, ConfidenceMedium, regexp.MustCompile(`\b[A-HJ-NPR-Z0-9]{3}[A-HJ-NPR-Z0-9]{5}[0-9X][A-HJ-NPR-Z0-9]{8}\b`)},
	{CategoryVehicle, ConfidenceMedium, regexp.MustCompile(`(?i)\b(?:license\s+plate|plate)\s*(?:#|no\.?|number)?\s*[:#]?\s*([A-Za-z0-9]{1,4}-?\d[A-Za-z0-9]{1,4})\b`)},

	{CategoryFax, ConfidenceHigh, regexp.MustCompile(`(?i)\bfax\s*(?:#|no\.?|number)?\s*[:#]?\s*(\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4})\b`)},
	{CategoryPhone, ConfidenceHigh, regexp.MustCompile(`(?:\+1[-.\s]?)?\(\d{3}\)\s?\d{3}[-.\s]\d{4}\b`)},
	{CategoryPhone, ConfidenceHigh, regexp.MustCompile(`\b\d{3}[-.]\d{3}[-.]\d{4}\b`)},
	{CategoryPhone, ConfidenceMedium, regexp.MustCompile(`(?i)\b(?:phone|tel|cell|mobile)\s*(?:#|no\.?|number)?\s*[:#]?\s*(\d{10})\b`)},
	{CategoryEmail, ConfidenceHigh, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{CategoryURL, ConfidenceHigh, regexp.MustCompile(`\bhttps?://[^\s<>"\]]+`)},
	{CategoryURL, ConfidenceMedium, regexp.MustCompile(`\bwww\.[A-Za-z0-9-]+\.[^\s<>"\]]+`)},
	{CategoryIPAddress, ConfidenceHigh, regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)},
	{CategoryIPAddress, ConfidenceHigh, regexp.MustCompile(`\b(?:[0-9A-Fa-f]{1,4}:){7}[0-9A-Fa-f]{1,4}\b`)},

	{CategoryDate, ConfidenceMedium, regexp.MustCompile(`\b(?:0?[1-9]|1[0-2])/(?:0?[1-9]|[12]\d|3[01])/(?:\d{4}|\d{2})\b`)},
	{CategoryDate, ConfidenceMedium, regexp.MustCompile(`\b(?:19|20)\d{2}-(?:0[1-9]|1[0-2])-(?:0[1-9]|[12]\d|3[01])\b`)},
	{CategoryDate, ConfidenceMedium, regexp.MustCompile(`\b(?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Sept|Oct|Nov|Dec)[a-z]*\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4}\b`)},
	{CategoryDate, ConfidenceHigh, regexp.MustCompile(`(?i)\b(?:DOB|date\s+of\s+birth|born(?:\s+on)?)\s*[:#]?\s*(\d{1,2}[-/.]\d{1,2}[-/.]\d{2,4})\b`)},

	{CategoryName, ConfidenceMedium, regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Miss|Dr|Prof)\.?\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?\b`)},
	{CategoryName, ConfidenceMedium, regexp.MustCompile(`\b[Pp]atient(?:\s+[Nn]ame)?\s*[:,]?\s+([A-Z][a-z]+\s+[A-Z][a-z]+)\b`)},
	{CategoryName, ConfidenceMedium, regexp.MustCompile(`\b(?:[Nn]ame|[Ss]igned)\s*:\s*([A-Z][a-z]+(?:\s+[A-Z]\.)?\s+[A-Z][a-z]+)\b`)},

	{CategoryGeographic, ConfidenceMedium, regexp.MustCompile(`\b\d{1,5}\s+(?:[A-Z][a-z]+\s+){1,3}(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct|Way|Place|Pl)\b\.?`)},
	{CategoryGeographic, ConfidenceMedium, regexp.MustCompile(`(?i)\bzip(?:\s*code)?\s*[:#]?\s*(\d{5}(?:-\d{4})?)\b`)},
	{CategoryGeographic, ConfidenceLow, regexp.MustCompile(`\b\d{5}(?:-\d{4})?\b`)},

	{CategoryBiometric, ConfidenceMedium, regexp.MustCompile(`(?i)\b(?:fingerprint|voice\s*print|retina(?:l)?\s+scan|iris\s+scan|biometric)\s*(?:id|identifier|template|#)\s*[:#]?\s*` + idValue)},
	{CategoryBiometric, ConfidenceLow, regexp.MustCompile(`(?i)\b(?:fingerprint|voiceprint|retinal\s+scan|iris\s+scan)s?\b`)},

	{CategoryPhoto, ConfidenceMedium, regexp.MustCompile(`(?i)\b[\w-]+\.(?:jpe?g|png|gif|bmp|tiff?|heic|dcm)\b`)},
	{CategoryPhoto, ConfidenceLow, regexp.MustCompile(`(?i)\b(?:full[-\s]face\s+)?photo(?:graph)?s?\b`)},

	{CategoryOtherUnique, ConfidenceMedium, regexp.MustCompile(`(?i)\b(?:patient|subject|case|claim|encounter)\s*(?:id|#|no\.?|number)\s*[:#]?\s*` + idValue)},
}

// placeholderRE matches text produced by Redact. Placeholders are masked
// before detection so redaction is idempotent.
var placeholderRE = regexp.MustCompile(`\[[A-Z_]+:[0-9a-f]{8}\]`)

var categoryPriority = func() map[Category]int {
	m := make(map[Category]int, len(Categories))
	for i, c := range Categories {
		m[c] = i
	}
	return m
}()
