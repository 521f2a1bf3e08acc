package workspace

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Project describes how to install and serve a checked-out repository.
type Project struct {
	Language       string
	Framework      string
	PackageManager string
	InstallCommand string
	StartCommand   string
	Port           int
	// PortSource is "framework", "Dockerfile" or the env file that set Port.
	PortSource string
}

// PortSourceFramework marks a port taken from framework defaults.
const PortSourceFramework = "framework"

// EnvFiles are consulted for a port in priority order.
var EnvFiles = []string{".env", ".env.local", ".env.development", ".env.example", ".env.sample", ".env.template"}

// portVars are the env variable names that carry a port.
var portVars = []string{"PORT", "APP_PORT", "SERVER_PORT", "HTTP_PORT", "VITE_PORT"}

// manifestFiles are downloaded for detection when present.
var manifestFiles = append([]string{
	"package.json", "requirements.txt", "pyproject.toml", "go.mod", "Cargo.toml",
	"Gemfile", "pom.xml", "build.gradle", "build.gradle.kts", "composer.json", "mix.exs", "Dockerfile",
}, EnvFiles...)

// nodeScripts are tried in order to start a Node.js dev server.
var nodeScripts = []string{"dev", "start", "serve", "develop", "preview"}

// nodeFrameworks maps a dependency to its framework name and default port.
// Order matters: meta-frameworks are checked before the bundlers they use.
var nodeFrameworks = []struct {
	dep, name string
	port      int
}{
	{"next", "next", 3000},
	{"nuxt", "nuxt", 3000},
	{"astro", "astro", 4321},
	{"@angular/core", "angular", 4200},
	{"@sveltejs/kit", "svelte-kit", 5173},
	{"@remix-run/dev", "remix", 3000},
	{"gatsby", "gatsby", 8000},
	{"vite", "vite", 5173},
	{"react-scripts", "react-scripts", 3000},
	{"express", "express", 3000},
}

// DetectProject inspects the repository root. files maps root-level file
// names to their content; files listed without content only mark presence.
func DetectProject(files map[string]string) Project {
	p := detectLanguage(files)
	if p.Port > 0 {
		p.PortSource = PortSourceFramework
	}
	if port, ok := dockerfilePort(files["Dockerfile"]); ok {
		p.Port, p.PortSource = port, "Dockerfile"
	}
	for _, name := range EnvFiles {
		content, ok := files[name]
		if !ok {
			continue
		}
		if port, ok := envPort(content); ok {
			p.Port, p.PortSource = port, name
			break
		}
	}
	return p
}

func detectLanguage(files map[string]string) Project {
	switch {
	case has(files, "package.json"):
		return detectNode(files)
	case has(files, "pyproject.toml") || has(files, "requirements.txt"):
		return detectPython(files)
	case has(files, "go.mod"):
		return Project{Language: "go", InstallCommand: "go mod download", StartCommand: "go run .", Port: 8080}
	case has(files, "Cargo.toml"):
		return detectRust(files["Cargo.toml"])
	case has(files, "Gemfile"):
		p := Project{Language: "ruby", InstallCommand: "bundle install"}
		if strings.Contains(files["Gemfile"], "rails") {
			p.Framework, p.Port = "rails", 3000
			p.StartCommand = "bin/rails server -b 0.0.0.0"
		}
		return p
	case has(files, "pom.xml"):
		return Project{Language: "java", InstallCommand: "mvn -q -DskipTests install", StartCommand: "mvn spring-boot:run", Port: 8080}
	case has(files, "build.gradle") || has(files, "build.gradle.kts"):
		return Project{Language: "java", InstallCommand: "./gradlew build -x test", StartCommand: "./gradlew bootRun", Port: 8080}
	case has(files, "composer.json"):
		p := Project{Language: "php", InstallCommand: "composer install", StartCommand: "php -S 0.0.0.0:8000 -t public", Port: 8000}
		if strings.Contains(files["composer.json"], "laravel/framework") {
			p.Framework = "laravel"
			p.StartCommand = "php artisan serve --host 0.0.0.0 --port 8000"
		}
		return p
	case has(files, "mix.exs"):
		p := Project{Language: "elixir", InstallCommand: "mix deps.get"}
		if strings.Contains(files["mix.exs"], ":phoenix") {
			p.Framework, p.Port, p.StartCommand = "phoenix", 4000, "mix phx.server"
		}
		return p
	}
	for name := range files {
		if strings.HasSuffix(name, ".csproj") {
			return Project{Language: "dotnet", InstallCommand: "dotnet restore", StartCommand: "dotnet run --urls http://0.0.0.0:5000", Port: 5000}
		}
	}
	return Project{}
}

type packageJSON struct {
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

func detectNode(files map[string]string) Project {
	p := Project{Language: "node", PackageManager: "npm", Port: 3000}
	switch {
	case has(files, "pnpm-lock.yaml"):
		p.PackageManager = "pnpm"
	case has(files, "yarn.lock"):
		p.PackageManager = "yarn"
	case has(files, "bun.lockb") || has(files, "bun.lock"):
		p.PackageManager = "bun"
	}
	p.InstallCommand = p.PackageManager + " install"

	var pkg packageJSON
	if err := json.Unmarshal([]byte(files["package.json"]), &pkg); err != nil {
		return p
	}
	for _, script := range nodeScripts {
		if _, ok := pkg.Scripts[script]; ok {
			p.StartCommand = p.PackageManager + " run " + script
			break
		}
	}
	for _, fw := range nodeFrameworks {
		_, inDeps := pkg.Dependencies[fw.dep]
		_, inDev := pkg.DevDependencies[fw.dep]
		if inDeps || inDev {
			p.Framework, p.Port = fw.name, fw.port
			break
		}
	}
	return p
}

type pyproject struct {
	Project struct {
		Dependencies []string `toml:"dependencies"`
	} `toml:"project"`
	Tool struct {
		Poetry struct {
			Dependencies map[string]any `toml:"dependencies"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

func detectPython(files map[string]string) Project {
	p := Project{Language: "python", InstallCommand: "pip install -r requirements.txt"}
	deps := strings.ToLower(files["requirements.txt"])
	if content, ok := files["pyproject.toml"]; ok {
		if !has(files, "requirements.txt") {
			p.InstallCommand = "pip install -e ."
		}
		var pp pyproject
		if err := toml.Unmarshal([]byte(content), &pp); err == nil {
			deps += "\n" + strings.ToLower(strings.Join(pp.Project.Dependencies, "\n"))
			for name := range pp.Tool.Poetry.Dependencies {
				deps += "\n" + strings.ToLower(name)
			}
		}
	}
	switch {
	case strings.Contains(deps, "django"):
		p.Framework, p.Port = "django", 8000
		p.StartCommand = "python manage.py runserver 0.0.0.0:8000"
	case strings.Contains(deps, "flask"):
		p.Framework, p.Port = "flask", 5000
		p.StartCommand = "flask run --host 0.0.0.0 --port 5000"
	case strings.Contains(deps, "fastapi") || strings.Contains(deps, "uvicorn"):
		p.Framework, p.Port = "fastapi", 8000
		p.StartCommand = "uvicorn main:app --host 0.0.0.0 --port 8000"
	}
	return p
}

type cargoManifest struct {
	Package struct {
		Name string `toml:"name"`
	} `toml:"package"`
	Dependencies map[string]any `toml:"dependencies"`
}

func detectRust(content string) Project {
	p := Project{Language: "rust", InstallCommand: "cargo build", StartCommand: "cargo run", Port: 8080}
	var m cargoManifest
	if err := toml.Unmarshal([]byte(content), &m); err != nil {
		return p
	}
	for _, fw := range []string{"axum", "actix-web", "rocket", "warp"} {
		if _, ok := m.Dependencies[fw]; ok {
			p.Framework = fw
			break
		}
	}
	return p
}

var exposeRe = regexp.MustCompile(`(?im)^\s*EXPOSE\s+(\d+)`)

func dockerfilePort(content string) (int, bool) {
	m := exposeRe.FindStringSubmatch(content)
	if m == nil {
		return 0, false
	}
	port, err := strconv.Atoi(m[1])
	return port, err == nil && validPort(port)
}

// envPort returns the first port variable defined in an env file.
func envPort(content string) (int, bool) {
	values := map[string]string{}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if i := strings.Index(v, " #"); i >= 0 {
			v = v[:i]
		}
		values[strings.TrimSpace(k)] = strings.Trim(v, `"'`)
	}
	for _, name := range portVars {
		if v, ok := values[name]; ok {
			if port, err := strconv.Atoi(v); err == nil && validPort(port) {
				return port, true
			}
		}
	}
	return 0, false
}

func validPort(p int) bool { return p > 0 && p < 65536 }

func has(files map[string]string, name string) bool {
	_, ok := files[name]
	return ok
}

// DetectVerifyCommands returns shell commands that run tests and linting
// based on which project files exist.
func DetectVerifyCommands(existingFiles map[string]bool) []string {
	var cmds []string

	switch {
	case existingFiles["go.mod"]:
		cmds = append(cmds, "go test ./... 2>&1")
	case existingFiles["package.json"]:
		cmds = append(cmds, "npm test --if-present 2>&1")
	case existingFiles["Cargo.toml"]:
		cmds = append(cmds, "cargo test 2>&1")
	case existingFiles["requirements.txt"] || existingFiles["pyproject.toml"] || existingFiles["setup.py"]:
		cmds = append(cmds, "python -m pytest 2>&1 || python -m unittest discover 2>&1")
	case existingFiles["Makefile"]:
		cmds = append(cmds, "make test 2>&1")
	}

	switch {
	case existingFiles["go.mod"]:
		cmds = append(cmds, "go vet ./... 2>&1")
	case existingFiles[".eslintrc.js"] || existingFiles[".eslintrc.json"] || existingFiles["eslint.config.js"] || existingFiles["eslint.config.mjs"]:
		cmds = append(cmds, "npx eslint . 2>&1")
	}

	return cmds
}

// String summarizes the project for logs and prompts.
func (p Project) String() string {
	if p.Language == "" {
		return "unknown project"
	}
	s := p.Language
	if p.Framework != "" {
		s += "/" + p.Framework
	}
	if p.Port > 0 {
		s += fmt.Sprintf(" on port %d (%s)", p.Port, p.PortSource)
	}
	return s
}
