package firefox

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Profile is one entry of profiles.ini.
type Profile struct {
	Name       string
	Path       string
	IsRelative bool
	IsDefault  bool
}

// FindFirefoxDir returns the platform-specific Firefox profile directory.
func FindFirefoxDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	switch runtime.GOOS {
	case "linux":
		return filepath.Join(home, ".mozilla", "firefox")
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Firefox")
	default:
		return ""
	}
}

// iniSection is one bracketed section of an INI file.
type iniSection struct {
	name string
	keys map[string]string
}

func readINI(r io.Reader) ([]iniSection, error) {
	var sections []iniSection
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "", line[0] == ';', line[0] == '#':
		case line[0] == '[' && line[len(line)-1] == ']':
			sections = append(sections, iniSection{name: line[1 : len(line)-1], keys: map[string]string{}})
		case len(sections) > 0:
			if key, value, ok := strings.Cut(line, "="); ok {
				sections[len(sections)-1].keys[strings.TrimSpace(key)] = strings.TrimSpace(value)
			}
		}
	}
	return sections, scanner.Err()
}

// ParseProfilesINI reads profiles.ini and returns the profiles that have a
// session file to import from. A profile is the default when its section
// says so or when an install section names its path.
func ParseProfilesINI(iniPath, firefoxDir string) ([]Profile, error) {
	f, err := os.Open(iniPath)
	if err != nil {
		return nil, fmt.Errorf("open profiles.ini: %w", err)
	}
	defer f.Close()

	sections, err := readINI(f)
	if err != nil {
		return nil, fmt.Errorf("read profiles.ini: %w", err)
	}

	installed := map[string]bool{}
	for _, sec := range sections {
		if strings.HasPrefix(sec.name, "Install") && sec.keys["Default"] != "" {
			installed[sec.keys["Default"]] = true
		}
	}

	var usable []Profile
	for _, sec := range sections {
		if !strings.HasPrefix(sec.name, "Profile") {
			continue
		}
		raw := sec.keys["Path"]
		p := Profile{
			Name:       sec.keys["Name"],
			Path:       raw,
			IsRelative: sec.keys["IsRelative"] == "1",
			IsDefault:  sec.keys["Default"] == "1" || installed[raw],
		}
		if p.IsRelative {
			p.Path = filepath.Join(firefoxDir, raw)
		}
		if sessionFile(p.Path) != "" {
			usable = append(usable, p)
		}
	}
	return usable, nil
}

// DiscoverProfiles finds the Firefox profiles on this system.
func DiscoverProfiles() ([]Profile, error) {
	dir := FindFirefoxDir()
	if dir == "" {
		return nil, fmt.Errorf("could not find Firefox directory for %s", runtime.GOOS)
	}
	return ParseProfilesINI(filepath.Join(dir, "profiles.ini"), dir)
}

// PickProfile returns the profile called name, or the default profile when
// name is empty.
func PickProfile(profiles []Profile, name string) (Profile, error) {
	for _, p := range profiles {
		if name != "" && p.Name == name {
			return p, nil
		}
		if name == "" && p.IsDefault {
			return p, nil
		}
	}
	if name == "" && len(profiles) == 1 {
		return profiles[0], nil
	}
	if name == "" {
		return Profile{}, fmt.Errorf("no default profile among %d; pick one by name", len(profiles))
	}
	return Profile{}, fmt.Errorf("profile %q not found", name)
}
