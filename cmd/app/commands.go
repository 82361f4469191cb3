package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/starford/excelwiz/internal"
	"github.com/starford/excelwiz/internal/export"
	"github.com/starford/excelwiz/internal/render"
)

// openRuntime wires the components for one-shot commands. Logs go to
// stderr so stdout carries only rendered output.
func openRuntime(ctx context.Context, cmd *cli.Command) (*internal.Runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return internal.Open(ctx,
		internal.WithConfig(cfg),
		internal.WithLogOutput(os.Stderr),
		internal.WithVersion(version),
	)
}

func uploadFile(ctx context.Context, rt *internal.Runtime, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	resp, err := rt.Session.Upload(ctx, filepath.Base(path), f)
	if err != nil {
		return err
	}
	if !resp.OK {
		render.Error(os.Stderr, resp.Error)
		return errors.New(resp.Error)
	}
	return nil
}

func uploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload a spreadsheet and print the normalised workbook",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "export", Usage: "Also write the normalised workbook to this .xlsx path"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return errors.New("upload: file argument is required")
			}
			rt, err := openRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := uploadFile(ctx, rt, path); err != nil {
				return err
			}
			view := rt.Session.Snapshot()
			render.View(os.Stdout, view)

			if out := cmd.String("export"); out != "" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create export: %w", err)
				}
				defer f.Close()
				if err := export.WriteXLSX(f, view.Workbook); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Run a query, optionally uploading a workbook first",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Usage: "Primary query", Required: true},
			&cli.StringFlag{Name: "refine", Aliases: []string{"r"}, Usage: "Refine instruction"},
			&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "Spreadsheet to upload before running"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := openRuntime(ctx, cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if path := cmd.String("file"); path != "" {
				if err := uploadFile(ctx, rt, path); err != nil {
					return err
				}
			}
			rt.Session.SetQuery(cmd.String("query"), cmd.String("refine"))

			resp, err := rt.Session.Run(ctx)
			if err != nil {
				return err
			}
			render.View(os.Stdout, rt.Session.Snapshot())
			if !resp.OK {
				return errors.New(resp.Error)
			}
			return nil
		},
	}
}

func templatesCommand() *cli.Command {
	return &cli.Command{
		Name:  "templates",
		Usage: "Manage saved query templates",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List templates, newest first",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					rt, err := openRuntime(ctx, cmd)
					if err != nil {
						return err
					}
					defer rt.Close()
					render.Templates(os.Stdout, rt.Store.List())
					return nil
				},
			},
			{
				Name:  "save",
				Usage: "Save a template",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Required: true},
					&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Required: true},
					&cli.BoolFlag{Name: "auto-run", Usage: "Apply after every upload; clears the flag on all others"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					rt, err := openRuntime(ctx, cmd)
					if err != nil {
						return err
					}
					defer rt.Close()

					name, query := cmd.String("name"), cmd.String("query")
					var ok bool
					if cmd.IsSet("auto-run") {
						_, ok = rt.Store.SaveWithAutoRun(ctx, name, query, cmd.Bool("auto-run"))
					} else {
						_, ok = rt.Store.Save(ctx, name, query)
					}
					if !ok {
						return errors.New("templates: name and query must not be blank")
					}
					render.Templates(os.Stdout, rt.Store.List())
					return nil
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete a template",
				ArgsUsage: "<id>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id := cmd.Args().First()
					if id == "" {
						return errors.New("templates delete: id argument is required")
					}
					rt, err := openRuntime(ctx, cmd)
					if err != nil {
						return err
					}
					defer rt.Close()
					rt.Store.Delete(ctx, id)
					render.Templates(os.Stdout, rt.Store.List())
					return nil
				},
			},
			{
				Name:      "auto-run",
				Usage:     "Flag a template as the auto-run template, or clear all flags",
				ArgsUsage: "<id>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "clear", Usage: "Clear the auto-run flag on every template"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					id := cmd.Args().First()
					if id == "" && !cmd.Bool("clear") {
						return errors.New("templates auto-run: id argument or --clear is required")
					}
					rt, err := openRuntime(ctx, cmd)
					if err != nil {
						return err
					}
					defer rt.Close()

					if cmd.Bool("clear") {
						rt.Store.ClearAutoRun(ctx)
					} else if !rt.Store.SetAutoRun(ctx, id) {
						return fmt.Errorf("templates auto-run: unknown id %q", id)
					}
					render.Templates(os.Stdout, rt.Store.List())
					return nil
				},
			},
		},
	}
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	rt, err := openRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()
	return rt.MCPServer().ServeStdio()
}
