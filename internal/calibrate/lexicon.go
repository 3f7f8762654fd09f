package calibrate

import "regexp"

var stopWords = map[string]bool{
	"a": true, "about": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "between": true, "by": true, "can": true, "for": true, "from": true,
	"has": true, "have": true, "how": true, "in": true, "into": true, "is": true, "it": true,
	"its": true, "of": true, "on": true, "or": true, "our": true, "that": true, "the": true,
	"their": true, "these": true, "this": true, "to": true, "towards": true, "toward": true,
	"using": true, "via": true, "we": true, "what": true, "when": true, "which": true,
	"with": true, "within": true, "without": true,
}

var (
	contributionRe = regexp.MustCompile(`\b(we|this (paper|study|work|article))\s+(propose|proposes|present|presents|introduce|introduces|develop|develops|design|designs|evaluate|evaluates|validate|validates|demonstrate|demonstrates|implement|implements|test|tests|assess|assesses|compare|compares)\b`)

	artifactRe = regexp.MustCompile(`\b(framework|frameworks|model|models|method|methods|methodology|taxonomy|taxonomies|tool|toolkit|system|systems|algorithm|algorithms|architecture|approach|technique|techniques|instrument|pipeline|dataset|benchmark|protocol|scale|checklist)\b`)

	specificityRe = regexp.MustCompile(`\b(criteria|criterion|protocol|protocols|benchmark|benchmarks|evaluation|evaluate|evaluated|evaluating|experiment|experiments|experimental|metric|metrics|validation|validated|case study|user study|measured|measurement|accuracy|participants|trial)\b`)

	peripheralRe = regexp.MustCompile(`\b(background|survey|overview|commentary|editorial|perspective|perspectives|opinion|position paper|literature review|review of|tutorial|primer|introduction to|reflections?)\b`)

	conceptualRe = regexp.MustCompile(`\b(conceptual|theoretical|philosophical|essay|we argue|argues|speculative|normative)\b`)

	empiricalRe = regexp.MustCompile(`\b(empirical|experiment|experiments|experimental|evaluation|evaluated|data|dataset|participants|results|user study|case study|measured|trial)\b`)

	tokenRe = regexp.MustCompile(`[a-z0-9]+`)
)
