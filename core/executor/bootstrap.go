package executor

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"spot-runner/core/execution"
	"spot-runner/core/models"
)

// Step is one ordered bootstrap command
type Step struct {
	Name    string
	Command string
}

// Bootstrap is the ordered setup for one instance
type Bootstrap struct {
	Home  string
	Steps []Step
}

// Remote layout under the run home
const (
	remoteArtifactDir = "artifact"
	remoteSourceDir   = "src"
	remotePackagesDir = "packages"
	remoteBinary      = "bin/app"
	remoteStdoutLog   = "logs/stdout.log"
)

const shellPrelude = "set -euo pipefail; export PATH=/usr/local/go/bin:$HOME/go/bin:$PATH GOTOOLCHAIN=local; "

// BuildBootstrap renders the setup steps for one instance: prepare
// directories, install the toolchain, unpack source and packages, install
// requirements, run user commands, build, then start the program detached.
func BuildBootstrap(project *models.Project, art *Artifact, run execution.RunInfo) *Bootstrap {
	home := run.Home
	at := func(p string) string { return path.Join(home, p) }
	inSrc := "cd " + shellQuote(at(remoteSourceDir)) + " && "
	b := &Bootstrap{Home: home}

	b.add("prepare directories", fmt.Sprintf("mkdir -p %s %s %s %s %s %s",
		shellQuote(at(remoteSourceDir)), shellQuote(at(remotePackagesDir)), shellQuote(at("data")),
		shellQuote(at("logs")), shellQuote(at("outputs")), shellQuote(at("bin"))))

	version := runtimeVersion(project.RuntimeVersion)
	b.add("install runtime", fmt.Sprintf(
		"command -v unzip >/dev/null || sudo dnf install -y -q unzip; "+
			"if [ \"$(go env GOVERSION 2>/dev/null)\" != \"go%[1]s\" ]; then "+
			"curl -fsSL https://go.dev/dl/go%[1]s.linux-amd64.tar.gz -o /tmp/go.tgz && "+
			"sudo rm -rf /usr/local/go && sudo tar -C /usr/local -xzf /tmp/go.tgz; fi; go version", version))

	unpack := fmt.Sprintf("unzip -oq %s -d %s", shellQuote(at(path.Join(remoteArtifactDir, SourceArchive))), shellQuote(at(remoteSourceDir)))
	if !art.HasModule {
		unpack += " && " + inSrc + "(test -f go.mod || go mod init " + shellQuote(models.FormatName(project.Name)) + ")"
	}
	b.add("unpack source", unpack)

	if len(art.Packages) > 0 {
		cmds := make([]string, 0, 2*len(art.Packages))
		for _, pkg := range art.Packages {
			dest := at(path.Join(remotePackagesDir, pkg.Name))
			cmds = append(cmds, fmt.Sprintf("unzip -oq %s -d %s", shellQuote(at(path.Join(remoteArtifactDir, pkg.Archive))), shellQuote(dest)))
			cmds = append(cmds, fmt.Sprintf("(%sgo mod edit -replace %s=%s -require %s@v0.0.0)",
				inSrc, shellQuote(pkg.ModulePath), shellQuote(dest), shellQuote(pkg.ModulePath)))
		}
		b.add("install packages", strings.Join(cmds, " && "))
	}

	if len(project.Requirements) > 0 {
		reqs := make([]string, len(project.Requirements))
		for i, r := range project.Requirements {
			reqs[i] = shellQuote(r)
		}
		b.add("install requirements", inSrc+"go get "+strings.Join(reqs, " "))
	}

	for i, cmd := range project.Commands {
		b.add(fmt.Sprintf("command %d", i+1), inSrc+cmd)
	}

	b.add("build", inSrc+"go mod tidy && go build -o "+shellQuote(at(remoteBinary))+" "+shellQuote(art.EntryPoint))

	b.add("start", inSrc+exportEnv(project.EnvVars, run)+
		fmt.Sprintf("nohup %s > %s 2>&1 < /dev/null &", shellQuote(at(remoteBinary)), shellQuote(at(remoteStdoutLog))))
	return b
}

func (b *Bootstrap) add(name, cmd string) {
	b.Steps = append(b.Steps, Step{Name: name, Command: cmd})
}

// Script renders every step as one bash script
func (b *Bootstrap) Script() string {
	var sb strings.Builder
	sb.WriteString("#!/usr/bin/env bash\n")
	for _, s := range b.Steps {
		fmt.Fprintf(&sb, "\n# %s\n(%s%s)\n", s.Name, shellPrelude, s.Command)
	}
	return sb.String()
}

// StepCommand wraps a step for execution in a login shell
func StepCommand(s Step) string {
	return "bash -lc " + shellQuote(shellPrelude+s.Command)
}

// exportEnv renders user env vars followed by the run markers, which win on conflict
func exportEnv(vars map[string]string, run execution.RunInfo) string {
	merged := make(map[string]string, len(vars)+7)
	for k, v := range vars {
		merged[k] = v
	}
	for k, v := range run.Env() {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "export %s=%s; ", k, shellQuote(merged[k]))
	}
	return sb.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
