package planner

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/rendis/orca/internal/connectors"
	"github.com/rendis/orca/internal/engine"
	"github.com/rendis/orca/internal/tools"
	"github.com/rendis/orca/pkg/schema"
)

// DataSource records which connector or tool a plan routes to and why.
type DataSource struct {
	Key    string `json:"key"`
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Route is the outcome of intent classification.
type Route struct {
	Intent schema.IntentType `json:"intent"`
	Source DataSource        `json:"data_source"`
}

var dataQueryRe = regexp.MustCompile(`(?i)\b(select|show|list|count|how many|how much|total|sum|average|avg|mean|median|max|maximum|min|minimum|top \d+|rows?|records?|tables?|columns?|query|report|group(ed)? by|per|breakdown|trend|revenue|sales|orders?|customers?|rank(ing)?|highest|lowest)\b`)

// LooksLikeDataQuery reports whether goal reads as a question over tabular data.
func LooksLikeDataQuery(goal string) bool {
	return dataQueryRe.MatchString(goal)
}

// ClassifyIntent routes goal using the connectors on wc and the names of the
// available custom tools. Precedence:
//  1. SQL, when a SQL connector exists and the goal looks like a data query
//     or names the connector;
//  2. RAG, when a retriever exists;
//  3. CUSTOM, when the goal names a tool.
//
// Anything else fails with NO_ROUTE.
//
// Among several candidate connectors, one named in the goal wins; otherwise
// the first by key.
func ClassifyIntent(goal string, wc *engine.WorkflowContext, toolNames []string) (Route, error) {
	var sqlKeys, retrieverKeys []string
	if wc != nil {
		for key, c := range wc.Connectors() {
			if _, ok := connectors.AsSQL(c); ok {
				sqlKeys = append(sqlKeys, key)
			} else if _, ok := connectors.AsRetriever(c); ok {
				retrieverKeys = append(retrieverKeys, key)
			}
		}
	}
	sort.Strings(sqlKeys)
	sort.Strings(retrieverKeys)

	if len(sqlKeys) > 0 {
		key, named := pick(goal, sqlKeys)
		switch {
		case named:
			return sqlRoute(wc, key, fmt.Sprintf("goal names SQL connector %q", key)), nil
		case LooksLikeDataQuery(goal):
			return sqlRoute(wc, key, fmt.Sprintf("goal reads as a data query; using SQL connector %q", key)), nil
		}
	}
	if len(retrieverKeys) > 0 {
		key, named := pick(goal, retrieverKeys)
		reason := fmt.Sprintf("retrieval connector %q can search for the answer", key)
		if named {
			reason = fmt.Sprintf("goal names retrieval connector %q", key)
		}
		c, _ := wc.Connector(key)
		return Route{Intent: schema.IntentRAG, Source: DataSource{Key: key, Type: c.Type(), Reason: reason}}, nil
	}
	if name, ok := tools.Match(goal, toolNames); ok {
		return Route{Intent: schema.IntentCustom, Source: DataSource{
			Key: name, Type: "tool", Reason: fmt.Sprintf("goal names custom tool %q", name),
		}}, nil
	}
	return Route{}, schema.NewError(schema.ErrCodeNoRoute, "no connector or custom tool can handle the goal").
		WithDetails(map[string]any{"tools": toolNames})
}

func sqlRoute(wc *engine.WorkflowContext, key, reason string) Route {
	c, _ := wc.Connector(key)
	return Route{Intent: schema.IntentSQL, Source: DataSource{Key: key, Type: c.Type(), Reason: reason}}
}

// pick returns the key named in goal, or the first key.
func pick(goal string, keys []string) (string, bool) {
	if key, ok := tools.Match(goal, keys); ok {
		return key, true
	}
	return keys[0], false
}
