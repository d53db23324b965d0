package prun

// Language tags a script with the interpreter that should run it.
type Language string

const (
	LangPython Language = "python"
	LangJava   Language = "java"
	LangShell  Language = "shell"
	LangRuby   Language = "ruby"
	LangJS     Language = "js"
)

// LangSpec is the capability set of a language: where its interpreter
// path lives in the config, which node driver script it runs, and
// whether its argv takes the JVM classpath shape.
type LangSpec struct {
	// ConfigKey is the interpreter path key in the config file.
	ConfigKey string

	// NodeScript is the driver script path relative to the exe dir.
	// When JVM is true it is the Java source the worker compiles at
	// startup; the JVM then loads the compiled node class from the exe
	// dir.
	NodeScript string

	// JVM makes the argv `-cp <exeDir> node ...` instead of passing
	// the driver script path directly.
	JVM bool
}

var langSpecs = map[Language]LangSpec{
	LangPython: {ConfigKey: "python", NodeScript: "node/node.py"},
	LangJava:   {ConfigKey: "java", NodeScript: "node/node.java", JVM: true},
	LangShell:  {ConfigKey: "shell", NodeScript: "node/node.sh"},
	LangRuby:   {ConfigKey: "ruby", NodeScript: "node/node.rb"},
	LangJS:     {ConfigKey: "js", NodeScript: "node/node.js"},
}

// Spec returns the language's capability set.
// The second return value reports whether the language is supported.
func (l Language) Spec() (LangSpec, bool) {
	s, ok := langSpecs[l]
	return s, ok
}

// Known reports whether an executor exists for the language.
func (l Language) Known() bool {
	_, ok := langSpecs[l]
	return ok
}

// Languages lists all supported language tags.
func Languages() []Language {
	ls := make([]Language, 0, len(langSpecs))
	for l := range langSpecs {
		ls = append(ls, l)
	}
	return ls
}
