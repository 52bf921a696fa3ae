package taskman_test

import (
	"os"
	"strings"
	"testing"
)

func readRepoFile(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("failed to read %s: %v", name, err)
	}
	return string(data)
}

// finalStage はDockerfileの最後のFROM以降を返す。
func finalStage(dockerfile string) string {
	i := strings.LastIndex(dockerfile, "\nFROM ")
	if i < 0 {
		return dockerfile
	}
	return dockerfile[i+1:]
}

func TestDockerfile(t *testing.T) {
	content := readRepoFile(t, "Dockerfile")
	runtime := finalStage(content)

	checks := []struct {
		name string
		in   string
		want string
	}{
		{"builder stage", content, "FROM golang:"},
		{"builds the cmd/taskman binary", content, "./cmd/taskman"},
		{"static binary", content, "CGO_ENABLED=0"},
		{"distroless runtime", runtime, "gcr.io/distroless/static"},
		{"runs as nonroot", runtime, "USER nonroot"},
		{"healthcheck subcommand", runtime, `"healthcheck"`},
		{"taskman entrypoint", runtime, `ENTRYPOINT ["/usr/local/bin/taskman"]`},
		{"serve by default", runtime, `CMD ["serve"]`},
	}

	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) {
			if !strings.Contains(c.in, c.want) {
				t.Errorf("Dockerfile should contain %q", c.want)
			}
		})
	}
}

func TestDockerCompose_ServicesAndCommands(t *testing.T) {
	content := readRepoFile(t, "docker-compose.yml")

	for svc, command := range map[string]string{
		"api":     `["serve"]`,
		"worker":  `["worker"]`,
		"migrate": `["migrate"]`,
	} {
		if !strings.Contains(content, "\n  "+svc+":\n") {
			t.Errorf("missing service %q", svc)
		}
		if !strings.Contains(content, "command: "+command) {
			t.Errorf("service %q should run %s", svc, command)
		}
	}

	for _, image := range []string{"image: postgres:", "image: redis:"} {
		if !strings.Contains(content, image) {
			t.Errorf("docker-compose.yml should use %q", image)
		}
	}
}

func TestDockerCompose_StartupOrder(t *testing.T) {
	content := readRepoFile(t, "docker-compose.yml")

	// apiとworkerはマイグレーション完了後に起動する
	if got := strings.Count(content, "condition: service_completed_successfully"); got < 2 {
		t.Errorf("api and worker should wait for migrate, found %d conditions", got)
	}
	if got := strings.Count(content, "REDIS_URL:"); got < 2 {
		t.Errorf("REDIS_URL should be passed to api and worker, found %d", got)
	}
}

func TestDockerCompose_Networks(t *testing.T) {
	content := readRepoFile(t, "docker-compose.yml")

	if !strings.Contains(content, "internal: true") {
		t.Error("db and redis should sit on an internal network")
	}
	if !strings.Contains(content, "frontend") {
		t.Error("api should be attached to a frontend network")
	}
}
