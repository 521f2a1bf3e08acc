package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectProject(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  Project
	}{
		{
			name: "next with pnpm",
			files: map[string]string{
				"package.json":   `{"scripts": {"start": "next start", "dev": "next dev"}, "dependencies": {"next": "14", "react": "18"}}`,
				"pnpm-lock.yaml": "",
			},
			want: Project{Language: "node", Framework: "next", PackageManager: "pnpm", InstallCommand: "pnpm install",
				StartCommand: "pnpm run dev", Port: 3000, PortSource: "framework"},
		},
		{
			name: "svelte-kit wins over vite",
			files: map[string]string{
				"package.json": `{"scripts": {"preview": "vite preview"}, "devDependencies": {"vite": "5", "@sveltejs/kit": "2"}}`,
				"yarn.lock":    "",
			},
			want: Project{Language: "node", Framework: "svelte-kit", PackageManager: "yarn", InstallCommand: "yarn install",
				StartCommand: "yarn run preview", Port: 5173, PortSource: "framework"},
		},
		{
			name: "django from pyproject",
			files: map[string]string{
				"pyproject.toml": "[project]\nname = \"site\"\ndependencies = [\"Django>=5\", \"psycopg\"]\n",
			},
			want: Project{Language: "python", Framework: "django", InstallCommand: "pip install -e .",
				StartCommand: "python manage.py runserver 0.0.0.0:8000", Port: 8000, PortSource: "framework"},
		},
		{
			name: "fastapi from poetry",
			files: map[string]string{
				"pyproject.toml": "[tool.poetry.dependencies]\npython = \"^3.12\"\nfastapi = \"^0.110\"\n",
			},
			want: Project{Language: "python", Framework: "fastapi", InstallCommand: "pip install -e .",
				StartCommand: "uvicorn main:app --host 0.0.0.0 --port 8000", Port: 8000, PortSource: "framework"},
		},
		{
			name:  "flask from requirements",
			files: map[string]string{"requirements.txt": "Flask==3.0\ngunicorn\n"},
			want: Project{Language: "python", Framework: "flask", InstallCommand: "pip install -r requirements.txt",
				StartCommand: "flask run --host 0.0.0.0 --port 5000", Port: 5000, PortSource: "framework"},
		},
		{
			name:  "rust axum",
			files: map[string]string{"Cargo.toml": "[package]\nname = \"svc\"\n\n[dependencies]\naxum = \"0.7\"\ntokio = { version = \"1\" }\n"},
			want: Project{Language: "rust", Framework: "axum", InstallCommand: "cargo build", StartCommand: "cargo run",
				Port: 8080, PortSource: "framework"},
		},
		{
			name:  "phoenix",
			files: map[string]string{"mix.exs": "defp deps do\n  [{:phoenix, \"~> 1.7\"}]\nend\n"},
			want: Project{Language: "elixir", Framework: "phoenix", InstallCommand: "mix deps.get", StartCommand: "mix phx.server",
				Port: 4000, PortSource: "framework"},
		},
		{
			name:  "dotnet",
			files: map[string]string{"Api.csproj": ""},
			want: Project{Language: "dotnet", InstallCommand: "dotnet restore", StartCommand: "dotnet run --urls http://0.0.0.0:5000",
				Port: 5000, PortSource: "framework"},
		},
		{
			name:  "unknown",
			files: map[string]string{"README.md": ""},
			want:  Project{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectProject(tt.files))
		})
	}
}

func TestPortResolutionOrder(t *testing.T) {
	base := map[string]string{"go.mod": "module x\n"}
	with := func(extra map[string]string) map[string]string {
		out := map[string]string{}
		for k, v := range base {
			out[k] = v
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}

	p := DetectProject(with(map[string]string{"Dockerfile": "FROM golang\nEXPOSE 9000\n"}))
	assert.Equal(t, 9000, p.Port)
	assert.Equal(t, "Dockerfile", p.PortSource)

	p = DetectProject(with(map[string]string{
		"Dockerfile": "EXPOSE 9000",
		".env":       "PORT=4000\n",
		".env.local": "PORT=5000\n",
	}))
	assert.Equal(t, 4000, p.Port)
	assert.Equal(t, ".env", p.PortSource)

	p = DetectProject(with(map[string]string{
		".env":         "DATABASE_URL=postgres://x\n",
		".env.local":   "# local\nexport APP_PORT=\"7000\" # app\n",
		".env.example": "PORT=1234\n",
	}))
	assert.Equal(t, 7000, p.Port)
	assert.Equal(t, ".env.local", p.PortSource)

	p = DetectProject(with(map[string]string{".env": "PORT=notaport\n"}))
	assert.Equal(t, 8080, p.Port)
	assert.Equal(t, PortSourceFramework, p.PortSource)
}

func TestDetectVerifyCommands(t *testing.T) {
	cmds := DetectVerifyCommands(map[string]bool{"go.mod": true})
	assert.Len(t, cmds, 2)
	assert.Contains(t, cmds[0], "go test")
	assert.Contains(t, cmds[1], "go vet")

	assert.Len(t, DetectVerifyCommands(map[string]bool{"package.json": true, ".eslintrc.json": true}), 2)
	assert.Empty(t, DetectVerifyCommands(map[string]bool{}))
}

func TestProjectString(t *testing.T) {
	assert.Equal(t, "unknown project", Project{}.String())
	assert.Equal(t, "node/vite on port 5173 (framework)", Project{Language: "node", Framework: "vite", Port: 5173, PortSource: "framework"}.String())
}
