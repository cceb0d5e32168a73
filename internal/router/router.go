package router

import (
	"regexp"
	"strings"
)

// Route is the processing path chosen for a user message.
type Route string

const (
	// RouteDirect answers in a single completion call.
	RouteDirect Route = "direct"
	// RouteReflect runs the generate/reflect/revise pipeline.
	RouteReflect Route = "reflect"
)

// Router picks between a direct reply and the reflection pipeline based on
// message complexity. Patterns cover English and Portuguese, matching the
// user base of the consulting assistant.
type Router struct {
	direct  []*regexp.Regexp
	reflect []*regexp.Regexp
}

func New() *Router {
	return &Router{
		direct: compileAll([]string{
			`\b(olá|oi|hello|hi|hey)\b`,
			`\b(obrigad\w*|thank\w*)\b`,
			`\b(como vai|how are you)\b`,
			`\b(quem é você|who are you)\b`,
			`\b(o que é|what is)\b`,
			`\b(como funciona|how does)\b`,
			`\b(explica|explain|me conta|tell me)\b`,
		}),
		reflect: compileAll([]string{
			`\b(analis\w*|analyz\w*)\b.*\b(competitiv\w*|concorr\w*|market|mercado)\b`,
			`\b(desenvolv\w*|criar|create|develop)\b.*\b(estratégia|strategy|business case|plano detalhado)\b`,
			`\b(swot|porter|canvas)\b`,
			`\b(defin\w*|estabelec\w*|define|establish)\b.*\b(kpi\w*|métrica\w*|metric\w*)\b`,
			`\b(otimiz\w*|optimiz\w*|reestrutur\w*|restructur\w*)\b.*\b(processo\w*|process\w*|operação|operation\w*)\b`,
			`\b(avali\w*|identif\w*|assess|evaluate)\b.*\b(risco\w*|risk\w*)\b`,
			`\b(roadmap|roteiro)\b`,
			`\b(plano|plan|estratégia|strategy)\b.*\b(mercado|market|expansão|expansion|transformação|transformation)\b`,
		}),
	}
}

// Pick routes a message. Direct patterns win over reflect patterns so
// conversational phrasing ("explain SWOT to me") stays on the cheap path;
// unmatched messages default to direct.
func (r *Router) Pick(message string) Route {
	text := strings.ToLower(strings.TrimSpace(message))
	if text == "" {
		return RouteDirect
	}
	for _, p := range r.direct {
		if p.MatchString(text) {
			return RouteDirect
		}
	}
	for _, p := range r.reflect {
		if p.MatchString(text) {
			return RouteReflect
		}
	}
	return RouteDirect
}

// Explain describes why a route was chosen, surfaced in response metadata.
func (r *Router) Explain(route Route) string {
	switch route {
	case RouteReflect:
		return "multi-step analysis detected; reply drafted with reflection"
	default:
		return "conversational query; answered directly"
	}
}

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}
