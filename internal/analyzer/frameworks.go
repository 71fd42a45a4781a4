package analyzer

import (
	"regexp"
	"strconv"
)

// Framework is a dev server family recognized from manifest dependencies.
type Framework struct {
	Name        string
	Dependency  string
	DefaultPort int
}

// Meta-frameworks come before the bundlers they are built on.
var frameworks = []Framework{
	{"Next.js", "next", 3000},
	{"Nuxt", "nuxt", 3000},
	{"SvelteKit", "@sveltejs/kit", 5173},
	{"Astro", "astro", 4321},
	{"Remix", "@remix-run/dev", 5173},
	{"Angular", "@angular/core", 4200},
	{"Gatsby", "gatsby", 8000},
	{"Create React App", "react-scripts", 3000},
	{"Vue CLI", "@vue/cli-service", 8080},
	{"Vite", "vite", 5173},
	{"webpack-dev-server", "webpack-dev-server", 8080},
}

func detectFramework(pkg manifest) (Framework, bool) {
	for _, fw := range frameworks {
		if pkg.hasDependency(fw.Dependency) {
			return fw, true
		}
	}
	return Framework{}, false
}

// Port flags in script bodies, e.g. "vite --port 3001" or "PORT=4000 next dev".
var portPatterns = []*regexp.Regexp{
	regexp.MustCompile(`--port[=\s]+(\d+)`),
	regexp.MustCompile(`(?:^|\s)-p[=\s]+(\d+)`),
	regexp.MustCompile(`\bPORT=(\d+)`),
}

func portFromScript(body string) (int, bool) {
	for _, pattern := range portPatterns {
		m := pattern.FindStringSubmatch(body)
		if len(m) < 2 {
			continue
		}
		port, err := strconv.Atoi(m[1])
		if err == nil && port > 0 && port < 65536 {
			return port, true
		}
	}
	return 0, false
}
