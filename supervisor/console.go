package supervisor

import (
	"bufio"
	"context"
	"io"
	"strings"

	"go.uber.org/zap"
)

// ForwardConsole copies operator input from r into out, one command per line, until r is
// exhausted or ctx is done. Blank lines are skipped. A line out refuses is logged and does
// not stop forwarding.
func ForwardConsole(ctx context.Context, r io.Reader, out CommandWriter, logger *zap.Logger) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			line = strings.TrimRight(line, "\r")
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := out.Write(line); err != nil {
				logger.Warn("console command rejected", zap.String("command", line), zap.Error(err))
			}
		}
	}
}
