package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// forbiddenPattern is one static-scan rule. Rules are matched against the
// raw source before execution; a hit aborts with kill_reason=security_scan.
type forbiddenPattern struct {
	name    string
	pattern *regexp.Regexp
}

var forbiddenPatterns = []forbiddenPattern{
	{
		name:    "shell invocation",
		pattern: regexp.MustCompile(`(?i)(os\.system|subprocess\.(run|call|Popen|check_output)|exec\.Command|child_process|popen\s*\()`),
	},
	{
		name:    "network socket",
		pattern: regexp.MustCompile(`(?i)(socket\.socket|socket\.create_connection|net\.Dial|http\.client|urllib\.request|requests\.(get|post|put|delete)|fetch\s*\(|curl\s|wget\s)`),
	},
	{
		name:    "native extension loading",
		pattern: regexp.MustCompile(`(?i)(ctypes|cffi|dlopen|LoadLibrary|importlib\.machinery\.ExtensionFileLoader|process\.dlopen)`),
	},
	{
		name:    "environment tampering",
		pattern: regexp.MustCompile(`(?i)(os\.putenv|os\.environ\s*\[[^\]]+\]\s*=|setenv\s*\()`),
	},
	{
		name:    "privilege or process control",
		pattern: regexp.MustCompile(`(?i)(os\.setuid|os\.setgid|os\.kill|signal\.SIGKILL|fork\s*\(\s*\))`),
	},
}

// loopbackConnect allows explicit loopback sockets through the network
// rule; generated test code legitimately talks to local fixtures.
var loopbackConnect = regexp.MustCompile(`(?i)(127\.0\.0\.1|localhost|::1)`)

// writeCall captures a filesystem-write target in python, shell, or node
// source so it can be checked against the scratch allowlist.
var writeCall = regexp.MustCompile(`(?i)(?:open\s*\(\s*|writeFile(?:Sync)?\s*\(\s*|>\s*)["']([^"']+)["']\s*(?:,\s*["'][wa][b+]?["'])?`)

// writeAllowlist holds the glob patterns a write target may match: anything
// relative, or anywhere under the scratch directory or /tmp.
var writeAllowlist = []string{
	"[!/]*",
	"[!/]*/**",
	"./**",
	"/tmp/**",
}

// ScanCode statically scans source for forbidden operations. scratchDir is
// the only absolute path subtree writes may target. Returns a description
// per violation; empty means clean.
func ScanCode(code, scratchDir string) []string {
	var violations []string

	for _, rule := range forbiddenPatterns {
		loc := rule.pattern.FindString(code)
		if loc == "" {
			continue
		}
		if rule.name == "network socket" && loopbackOnly(code) {
			continue
		}
		violations = append(violations, fmt.Sprintf("%s: %q", rule.name, loc))
	}

	for _, match := range writeCall.FindAllStringSubmatch(code, -1) {
		target := match[1]
		if writeAllowed(target, scratchDir) {
			continue
		}
		violations = append(violations, fmt.Sprintf("filesystem write outside scratch: %q", target))
	}

	return violations
}

// loopbackOnly reports whether every host literal in the code is loopback.
func loopbackOnly(code string) bool {
	hosts := regexp.MustCompile(`(?i)(?:connect|create_connection|Dial[^(]*)\s*\(\s*[^)]*["']([^"']+)["']`).
		FindAllStringSubmatch(code, -1)
	if len(hosts) == 0 {
		return false
	}
	for _, h := range hosts {
		if !loopbackConnect.MatchString(h[1]) {
			return false
		}
	}
	return true
}

func writeAllowed(target, scratchDir string) bool {
	if scratchDir != "" && strings.HasPrefix(target, scratchDir+"/") {
		return true
	}
	for _, glob := range writeAllowlist {
		if ok, err := doublestar.Match(glob, target); err == nil && ok {
			return true
		}
	}
	return false
}
