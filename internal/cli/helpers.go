package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-isatty"

	"github.com/mikel-martin-kuik/nolan-sub000/internal/client"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/config"
	"github.com/mikel-martin-kuik/nolan-sub000/internal/theme"
)

var (
	headerStyle = theme.Header
	dimStyle    = theme.Dim
	errorStyle  = theme.Error
	titleStyle  = theme.Title
	okStyle     = lipgloss.NewStyle().Foreground(theme.ColorGreen)
	warnStyle   = lipgloss.NewStyle().Foreground(theme.ColorYellow)
)

// colorOutput is false when stdout is not a terminal; output is then plain
// text suitable for scripts.
var colorOutput = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

func styled(s lipgloss.Style, text string) string {
	if !colorOutput {
		return text
	}
	return s.Render(text)
}

func statusText(status string) string {
	if !colorOutput {
		return status
	}
	return theme.Status(status)
}

// loadSettings reads config.yaml of the current home.
func loadSettings() (config.Settings, error) {
	return config.LoadSettings(config.Home())
}

// daemonClient returns a client for the configured daemon.
func daemonClient() (*client.Client, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	return client.ForSettings(s), nil
}

// describeError turns transport and API errors into something a user can act on.
func describeError(err error) string {
	var apiErr *client.APIError
	switch {
	case errors.Is(err, client.ErrUnavailable):
		return "cannot reach the nolan daemon (is `nolan serve` running?): " + err.Error()
	case errors.As(err, &apiErr):
		return apiErr.Message
	}
	return err.Error()
}

// printTable writes an aligned table. Cells may carry ANSI styling.
func printTable(w io.Writer, headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, styled(dimStyle, "  (none)"))
		return
	}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], ansi.StringWidth(cell))
			}
		}
	}

	var line strings.Builder
	line.WriteString("  ")
	for i, h := range headers {
		line.WriteString(styled(headerStyle, h) + strings.Repeat(" ", widths[i]-len(h)+2))
	}
	fmt.Fprintln(w, strings.TrimRight(line.String(), " "))

	sep := "  "
	for _, wd := range widths {
		sep += strings.Repeat("-", wd+2)
	}
	fmt.Fprintln(w, styled(dimStyle, sep))

	for _, row := range rows {
		line.Reset()
		line.WriteString("  ")
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			pad := widths[i] - ansi.StringWidth(cell)
			line.WriteString(cell + strings.Repeat(" ", max(pad, 0)+2))
		}
		fmt.Fprintln(w, strings.TrimRight(line.String(), " "))
	}
}

func printField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %-16s %s\n", label+":", value)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncate shortens s to maxLen display cells.
func truncate(s string, maxLen int) string {
	return ansi.Truncate(s, maxLen, "...")
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Hour:
		return d.Round(time.Second).String()
	}
	return d.Round(time.Minute).String()
}

func formatCost(usd float64) string {
	if usd <= 0 {
		return "-"
	}
	return fmt.Sprintf("$%.2f", usd)
}

// resolveTextFlag returns the contents of filePath when set ("-" reads
// stdin), otherwise value.
func resolveTextFlag(value, filePath string) (string, error) {
	switch filePath {
	case "":
		return value, nil
	case "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", filePath, err)
	}
	return string(data), nil
}
