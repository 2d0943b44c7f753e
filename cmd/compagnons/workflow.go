package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"compagnons/internal/app"
	"compagnons/internal/domain"
	"compagnons/internal/engine"
)

func announcementCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "announcement", Aliases: []string{"annonce"}, Short: "Renovation requests"}
	cmd.AddCommand(announcementCreateCmd())
	cmd.AddCommand(announcementListCmd())
	cmd.AddCommand(announcementShowCmd())
	return cmd
}

func announcementCreateCmd() *cobra.Command {
	var opts engine.CreateAnnouncementOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a renovation request (particulier)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				a, err := s.Engine.CreateAnnouncement(ctx, opts)
				if err != nil {
					return err
				}
				return printDone(a, "announcement %s created", a.ID)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.City, "city", "", "city")
	cmd.Flags().StringVar(&opts.RenovationType, "type", "", "renovation type")
	cmd.Flags().StringVar(&opts.ImageURL, "image", "", "image url")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func announcementListCmd() *cobra.Command {
	var (
		f      engine.AnnouncementFilter
		status string
		mine   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List announcements (closed ones hidden unless --all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				st, err := domain.ParseAnnouncementStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if mine {
					actor, err := currentActor(ctx, s)
					if err != nil {
						return err
					}
					f.OwnerID = actor.ID
				}
				items := s.Engine.ListAnnouncements(f)
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Title", "City", "Type", "Status", "Created"})
					for _, a := range items {
						tw.AppendRow(table.Row{a.ID, a.Title, a.City, a.RenovationType, a.Status, shortDate(a.CreatedAt)})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&f.Search, "search", "", "search title, description and type")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.City, "city", "", "city filter")
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner user id")
	cmd.Flags().BoolVar(&mine, "mine", false, "only the current actor's announcements")
	cmd.Flags().BoolVar(&f.IncludeClosed, "all", false, "include completed and refused announcements")
	return cmd
}

type announcementDetail struct {
	domain.Announcement
	Quotes   []domain.Quote   `json:"quotes"`
	Messages []domain.Message `json:"messages"`
	Project  *domain.Project  `json:"project,omitempty"`
}

func announcementShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an announcement with its quotes, messages and project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				a, err := s.Engine.GetAnnouncement(args[0])
				if err != nil {
					return err
				}
				d := announcementDetail{
					Announcement: a,
					Quotes:       s.Engine.QuotesFor(a.ID),
					Messages:     s.Engine.MessagesFor(a.ID),
				}
				for _, p := range s.Engine.ListProjects(engine.ProjectFilter{}) {
					if p.AnnouncementID == a.ID {
						p := p
						d.Project = &p
					}
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("%s  [%s]\n%s, %s\n\n%s\n\n", a.Title, a.Status, a.City, a.RenovationType, a.Description)
				renderQuotes(d.Quotes)
				for _, m := range d.Messages {
					fmt.Printf("%s  %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04"), m.SenderName, m.Content)
				}
				if d.Project != nil {
					fmt.Printf("\nproject %s [%s]\n", d.Project.ID, d.Project.Status)
				}
				return nil
			})
		},
	}
}

func renderQuotes(quotes []domain.Quote) {
	_ = printJSONOrTable(quotes, func(tw table.Writer) {
		tw.AppendHeader(table.Row{"ID", "Announcement", "Craftsman", "Amount", "Duration", "Decision"})
		for _, q := range quotes {
			tw.AppendRow(table.Row{q.ID, q.AnnouncementID, q.CraftsmanName, fmt.Sprintf("%.2f €", q.Amount), q.EstimatedDuration, q.Decision})
		}
	})
}

func quoteCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "quote", Aliases: []string{"devis"}, Short: "Quotes on announcements"}
	cmd.AddCommand(quoteSubmitCmd())
	cmd.AddCommand(quoteAcceptCmd())
	cmd.AddCommand(quoteRefuseCmd())
	cmd.AddCommand(quoteListCmd())
	return cmd
}

func quoteSubmitCmd() *cobra.Command {
	var opts engine.SubmitQuoteOptions
	cmd := &cobra.Command{
		Use:   "submit <announcement-id>",
		Short: "Submit a quote (cadre)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.AnnouncementID = args[0]
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				q, err := s.Engine.SubmitQuote(ctx, opts)
				if err != nil {
					return err
				}
				return printDone(q, "quote %s submitted", q.ID)
			})
		},
	}
	cmd.Flags().Float64Var(&opts.Amount, "amount", 0, "amount in euros")
	cmd.Flags().StringVar(&opts.Description, "description", "", "work description")
	cmd.Flags().StringVar(&opts.EstimatedDuration, "duration", "", "estimated duration")
	cmd.Flags().StringVar(&opts.CraftsmanName, "name", "", "display name (defaults to directory name)")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func quoteAcceptCmd() *cobra.Command {
	var announcementID string
	cmd := &cobra.Command{
		Use:   "accept <quote-id>",
		Short: "Accept a quote and start the project (owner)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if announcementID == "" {
					q, err := s.Engine.GetQuote(args[0])
					if err != nil {
						return err
					}
					announcementID = q.AnnouncementID
				}
				p, err := s.Engine.AcceptQuote(ctx, args[0], announcementID)
				if err != nil {
					return err
				}
				return printDone(p, "quote %s accepted, project %s started", args[0], p.ID)
			})
		},
	}
	cmd.Flags().StringVar(&announcementID, "announcement", "", "announcement id (defaults to the quote's)")
	return cmd
}

func quoteRefuseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refuse <quote-id>",
		Short: "Refuse a quote (owner)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				q, err := s.Engine.RefuseQuote(ctx, args[0])
				if err != nil {
					return err
				}
				return printDone(q, "quote %s refused", q.ID)
			})
		},
	}
}

func quoteListCmd() *cobra.Command {
	var announcementID, craftsmanID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List quotes of an announcement or a craftsman",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (announcementID == "") == (craftsmanID == "") {
				return fmt.Errorf("exactly one of --announcement or --craftsman required")
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if announcementID != "" {
					renderQuotes(s.Engine.QuotesFor(announcementID))
				} else {
					renderQuotes(s.Engine.QuotesByCraftsman(craftsmanID))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&announcementID, "announcement", "", "announcement id")
	cmd.Flags().StringVar(&craftsmanID, "craftsman", "", "craftsman user id")
	return cmd
}

func messageCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "message", Short: "Announcement threads"}
	cmd.AddCommand(&cobra.Command{
		Use:   "send <announcement-id> <text...>",
		Short: "Post a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				m, err := s.Engine.SendMessage(ctx, args[0], strings.Join(args[1:], " "))
				if err != nil {
					return err
				}
				return printDone(m, "message %s sent", m.ID)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list <announcement-id>",
		Short: "Show a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				items := s.Engine.MessagesFor(args[0])
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"Sent", "From", "Message"})
					for _, m := range items {
						tw.AppendRow(table.Row{m.CreatedAt.Format("2006-01-02 15:04"), m.SenderName, m.Content})
					}
				})
			})
		},
	})
	return cmd
}

func requestCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "request", Short: "Craftsman responses to requests"}
	var reason string
	decline := &cobra.Command{
		Use:   "decline <announcement-id>",
		Short: "Decline to quote, explaining why (cadre)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				m, err := s.Engine.DeclineRequest(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printDone(m, "request %s declined", args[0])
			})
		},
	}
	decline.Flags().StringVar(&reason, "reason", "", "reason sent to the owner")
	_ = decline.MarkFlagRequired("reason")
	cmd.AddCommand(decline)
	return cmd
}

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "project", Aliases: []string{"projet"}, Short: "Projects started from accepted quotes"}
	cmd.AddCommand(projectListCmd())
	cmd.AddCommand(projectShowCmd())
	cmd.AddCommand(projectFinalizeCmd())
	cmd.AddCommand(projectImageCmd())
	return cmd
}

func projectListCmd() *cobra.Command {
	var (
		f      engine.ProjectFilter
		status string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch domain.ProjectStatus(status) {
			case "", domain.ProjectInProgress, domain.ProjectCompleted:
				f.Status = domain.ProjectStatus(status)
			default:
				return fmt.Errorf("unknown project status %q", status)
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				items := s.Engine.ListProjects(f)
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Title", "Craftsman", "City", "Status", "Start", "End"})
					for _, p := range items {
						end := ""
						if p.EndDate != nil {
							end = shortDate(*p.EndDate)
						}
						tw.AppendRow(table.Row{p.ID, p.Title, p.CraftsmanID, p.City, p.Status, shortDate(p.StartDate), end})
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "en_cours or termine")
	cmd.Flags().StringVar(&f.CraftsmanID, "craftsman", "", "craftsman user id")
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "announcement owner user id")
	return cmd
}

type projectDetail struct {
	domain.Project
	Reviews []domain.Review `json:"reviews"`
	Rating  float64         `json:"averageRating"`
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project with its photos and reviews",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				p, err := s.Engine.GetProject(args[0])
				if err != nil {
					return err
				}
				avg, _ := s.Engine.AverageRating(p.ID)
				d := projectDetail{Project: p, Reviews: s.Engine.ReviewsFor(p.ID), Rating: avg}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("%s  [%s]\n%s, %s, craftsman %s\n", p.Title, p.Status, p.City, p.RenovationType, p.CraftsmanID)
				for _, phase := range []domain.ImagePhase{domain.PhaseBefore, domain.PhaseDuring, domain.PhaseAfter} {
					for i, url := range *p.Images.Slot(phase) {
						fmt.Printf("  %-6s #%d %s\n", phase, i, url)
					}
				}
				for _, r := range d.Reviews {
					fmt.Printf("%d/5 %s: %s\n", r.Rating, r.UserName, r.Comment)
				}
				return nil
			})
		},
	}
}

func projectFinalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finalize <id>",
		Short: "Mark a project finished (project craftsman)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				p, err := s.Engine.FinalizeProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printDone(p, "project %s finished", p.ID)
			})
		},
	}
}

func projectImageCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "image", Short: "Project photos (project craftsman)"}
	var addPhase, url string
	add := &cobra.Command{
		Use:   "add <project-id>",
		Short: "Add a photo to a phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				p, err := s.Engine.AddProjectImage(ctx, args[0], domain.ImagePhase(addPhase), url)
				if err != nil {
					return err
				}
				return printDone(p, "photo added to %s", addPhase)
			})
		},
	}
	add.Flags().StringVar(&addPhase, "phase", string(domain.PhaseDuring), "before, during or after")
	add.Flags().StringVar(&url, "url", "", "image url")
	_ = add.MarkFlagRequired("url")

	var removePhase string
	remove := &cobra.Command{
		Use:   "remove <project-id> <index>",
		Short: "Remove a photo from a phase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				p, err := s.Engine.RemoveProjectImage(ctx, args[0], domain.ImagePhase(removePhase), index)
				if err != nil {
					return err
				}
				return printDone(p, "photo %d removed from %s", index, removePhase)
			})
		},
	}
	remove.Flags().StringVar(&removePhase, "phase", string(domain.PhaseDuring), "before, during or after")
	cmd.AddCommand(add, remove)
	return cmd
}

func reviewCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "review", Aliases: []string{"avis"}, Short: "Reviews of finished projects"}
	var opts engine.AddReviewOptions
	add := &cobra.Command{
		Use:   "add <project-id>",
		Short: "Review a finished project (announcement owner)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ProjectID = args[0]
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				r, err := s.Engine.AddReview(ctx, opts)
				if err != nil {
					return err
				}
				return printDone(r, "review %s added", r.ID)
			})
		},
	}
	add.Flags().IntVar(&opts.Rating, "rating", 0, "rating from 1 to 5")
	add.Flags().StringVar(&opts.Comment, "comment", "", "comment")
	_ = add.MarkFlagRequired("rating")
	cmd.AddCommand(add)
	cmd.AddCommand(&cobra.Command{
		Use:   "list <project-id>",
		Short: "List reviews of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				items := s.Engine.ReviewsFor(args[0])
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Author", "Rating", "Comment", "Date"})
					for _, r := range items {
						tw.AppendRow(table.Row{r.ID, r.UserName, r.Rating, r.Comment, shortDate(r.CreatedAt)})
					}
					avg, n := s.Engine.AverageRating(args[0])
					tw.AppendFooter(table.Row{"", "average", fmt.Sprintf("%.1f", avg), fmt.Sprintf("%d review(s)", n), ""})
				})
			})
		},
	})
	return cmd
}

func notificationCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "notification", Aliases: []string{"notif"}, Short: "The current actor's notifications"}
	var unread bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List notifications, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				actor, err := currentActor(ctx, s)
				if err != nil {
					return err
				}
				items := s.Engine.Notifications(actor.ID, unread)
				return printJSONOrTable(items, func(tw table.Writer) {
					tw.AppendHeader(table.Row{"ID", "Type", "Title", "Message", "Read", "Related"})
					for _, n := range items {
						tw.AppendRow(table.Row{n.ID, n.Type, n.Title, n.Message, n.Read, n.RelatedID})
					}
				})
			})
		},
	}
	list.Flags().BoolVar(&unread, "unread", false, "only unread")
	cmd.AddCommand(list)
	cmd.AddCommand(&cobra.Command{
		Use:   "read <id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				if err := s.Engine.MarkNotificationRead(ctx, args[0]); err != nil {
					return err
				}
				return printDone(map[string]string{"id": args[0]}, "notification %s read", args[0])
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "read-all",
		Short: "Mark every notification read",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *app.Session) error {
				n, err := s.Engine.MarkAllNotificationsRead(ctx)
				if err != nil {
					return err
				}
				return printDone(map[string]int{"marked": n}, "%d notification(s) marked read", n)
			})
		},
	})
	return cmd
}
