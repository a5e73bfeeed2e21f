package dispatch

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/3cpo-dev/labdeploy/internal/catalog"
	"github.com/3cpo-dev/labdeploy/internal/ssh"
)

// DefaultConfigureCommand prepares the project checkout for one host.
const DefaultConfigureCommand = "python code/scripts/deploy.py --env {{ .Host }}"

var startTemplates = map[catalog.ProcessManager]string{
	catalog.ProcessManagerSystemd: "systemctl --user enable {{ q .Service }} && systemctl --user start {{ q .Service }}",
	catalog.ProcessManagerCompose: "docker-compose -f {{ q (printf \"docker-compose.%s.yml\" .Host) }} up -d",
}

const scriptTemplate = "cd {{ q .Dir }} && {{ .Env }} {{ .Configure }} && {{ .Start }}"

type scriptData struct {
	Host    string
	Service string
	Dir     string
	Env     string
	// Configure and Start are already rendered.
	Configure string
	Start     string
}

var funcs = template.FuncMap{"q": ssh.QuoteArg}

// RenderScript builds the single shell command run on a remote host.
func RenderScript(host catalog.Host, cfg WorkloadConfig, opts Options) (string, error) {
	pm := host.ProcessManager
	start, ok := startTemplates[pm]
	if !ok {
		return "", fmt.Errorf("no start command for process manager %q", pm)
	}
	configure := opts.ConfigureCommand
	if configure == "" {
		configure = DefaultConfigureCommand
	}
	d := scriptData{
		Host:    host.Name,
		Service: opts.service(),
		Dir:     opts.remoteDir(),
		Env:     envAssignments(host, cfg),
	}
	var err error
	if d.Configure, err = render("configure", configure, d); err != nil {
		return "", err
	}
	if d.Start, err = render("start", start, d); err != nil {
		return "", err
	}
	return render("script", scriptTemplate, d)
}

func render(name, text string, d scriptData) (string, error) {
	t, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, d); err != nil {
		return "", fmt.Errorf("render %s template: %w", name, err)
	}
	return buf.String(), nil
}

func envAssignments(host catalog.Host, cfg WorkloadConfig) string {
	role := cfg.Role
	if role == "" {
		role = host.Role
	}
	pairs := []string{
		"WORKLOAD_TYPE=" + ssh.QuoteArg(cfg.WorkloadType),
		"MODEL_SIZE=" + ssh.QuoteArg(cfg.ModelSize),
		"SYSTEM_ROLE=" + ssh.QuoteArg(role),
	}
	return strings.Join(pairs, " ")
}
