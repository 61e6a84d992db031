// Package router decides whether a natural-language request needs a
// multi-step agent session or a single suggested command.
package router

import (
	"regexp"
	"unicode/utf8"
)

// MaxSingleStepRunes is the longest query still treated as single-step
// when no cue matches.
const MaxSingleStepRunes = 80

// cues are matched case-insensitively against the whole query.
var cues = []string{
	// Sequencing connectors.
	`然后`, `并且`, `接着`, `之后`, `同时`, `最后`,
	`分析.*并`, `找出.*并`, `创建.*并`, `安装.*并`, `压缩.*并`,
	// Batch scope.
	`批量`, `所有.*文件`, `递归`, `目录树`,
	// Deploy and project setup.
	`部署`, `搭建`, `配置.*项目`, `初始化.*项目`,
	// Monitoring and loops.
	`监控`, `持续`, `循环`,
	// English.
	`and then`, `after that`, `\bthen\b`, `\bfinally\b`, `\bbatch\b`,
	`all files`, `\brecursive(ly)?\b`, `\bdeploy`, `\bset ?up\b`,
}

var cuePatterns = compile(cues)

func compile(exprs []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(`(?i)` + e)
	}
	return out
}

// Decision explains a routing result.
type Decision struct {
	MultiStep bool
	Reason    string
}

// Classify routes query and reports which rule fired.
func Classify(query string) Decision {
	for i, re := range cuePatterns {
		if re.MatchString(query) {
			return Decision{MultiStep: true, Reason: "keyword " + cues[i]}
		}
	}
	if utf8.RuneCountInString(query) > MaxSingleStepRunes {
		return Decision{MultiStep: true, Reason: "long query"}
	}
	return Decision{}
}

// IsMultiStep reports whether query should start an agent session.
func IsMultiStep(query string) bool {
	return Classify(query).MultiStep
}
