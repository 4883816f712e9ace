package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/and161185/netsketch/internal/model"
)

// ------- builders -------

// buildDraw composes a shape draw line. The id field is a placeholder; the server assigns ids.
func buildDraw(kind string, from, to [2]int, c model.Color) string {
	return fmt.Sprintf("draw %s 0 %d %d %d %d %s", kind, from[0], from[1], to[0], to[1], c)
}

func buildText(at [2]int, text string, c model.Color) string {
	return fmt.Sprintf("draw text 0 %d %d '%s' %s", at[0], at[1], text, c)
}

// buildModify composes a modify line; a nil colour keeps the drawing's current colour.
func buildModify(id int64, from, to [2]int, c *model.Color) string {
	if c == nil {
		return fmt.Sprintf("modify %d draw %d %d %d %d", id, from[0], from[1], to[0], to[1])
	}
	return fmt.Sprintf("modify %d colour %s draw %d %d %d %d", id, c, from[0], from[1], to[0], to[1])
}

// ------- validators -------

func parsePoint(s string) ([2]int, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return [2]int{}, fmt.Errorf("point %q: want x,y", s)
	}
	var p [2]int
	for i, v := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return [2]int{}, fmt.Errorf("point %q: %w", s, err)
		}
		p[i] = n
	}
	return p, nil
}

func parseRGB(s string) (model.Color, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return model.Color{}, fmt.Errorf("colour %q: want r,g,b", s)
	}
	return model.ParseColor(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2]))
}

func validKind(k string) error {
	switch {
	case k == "":
		return errors.New("empty kind")
	case k == model.KindText:
		return errors.New("use `draw text` for text")
	case strings.ContainsAny(k, " \t'"):
		return fmt.Errorf("kind %q must be a single word", k)
	}
	return nil
}

// ------- commands -------

func drawCmd(g *globalOpts) *cobra.Command {
	var from, to, color string
	cmd := &cobra.Command{
		Use:   "draw <kind>",
		Short: "Draw a shape (line, rect, circle, ...)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validKind(args[0]); err != nil {
				return err
			}
			p1, err := parsePoint(from)
			if err != nil {
				return err
			}
			p2, err := parsePoint(to)
			if err != nil {
				return err
			}
			c, err := parseRGB(color)
			if err != nil {
				return err
			}
			return sendLines(g, []string{buildDraw(args[0], p1, p2, c)}, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&from, "from", "0,0", "start point x,y")
	cmd.Flags().StringVar(&to, "to", "0,0", "end point x,y")
	cmd.Flags().StringVar(&color, "color", "0,0,0", "colour r,g,b")
	cmd.AddCommand(textCmd(g))
	return cmd
}

func textCmd(g *globalOpts) *cobra.Command {
	var at, color string
	cmd := &cobra.Command{
		Use:   "text <text>",
		Short: "Draw a text label",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := parsePoint(at)
			if err != nil {
				return err
			}
			c, err := parseRGB(color)
			if err != nil {
				return err
			}
			return sendLines(g, []string{buildText(p, args[0], c)}, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&at, "at", "0,0", "anchor x,y")
	cmd.Flags().StringVar(&color, "color", "0,0,0", "colour r,g,b")
	return cmd
}

func modifyCmd(g *globalOpts) *cobra.Command {
	var from, to, color string
	cmd := &cobra.Command{
		Use:   "modify <id>",
		Short: "Move a drawing and optionally recolour it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("id %q: %w", args[0], err)
			}
			p1, err := parsePoint(from)
			if err != nil {
				return err
			}
			p2, err := parsePoint(to)
			if err != nil {
				return err
			}
			var c *model.Color
			if color != "" {
				v, err := parseRGB(color)
				if err != nil {
					return err
				}
				c = &v
			}
			return sendLines(g, []string{buildModify(id, p1, p2, c)}, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&from, "from", "0,0", "new start point x,y")
	cmd.Flags().StringVar(&to, "to", "0,0", "new end point x,y")
	cmd.Flags().StringVar(&color, "color", "", "new colour r,g,b (empty keeps the current one)")
	return cmd
}
