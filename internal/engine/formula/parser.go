package formula

import (
	"fmt"
	"strconv"
	"strings"
)

// Expr is a parsed formula node.
type Expr interface{ exprNode() }

type NumberLit struct{ Value float64 }
type StringLit struct{ Value string }
type BoolLit struct{ Value bool }
type NullLit struct{}

// Ref is a reference to a variable by name or id.
type Ref struct{ Name string }

type Unary struct {
	Op tokenKind // tokMinus or tokNot
	X  Expr
}

type Binary struct {
	Op   tokenKind
	L, R Expr
}

// Call invokes one of the fixed builtin functions.
type Call struct {
	Name string
	Args []Expr
}

func (NumberLit) exprNode() {}
func (StringLit) exprNode() {}
func (BoolLit) exprNode()   {}
func (NullLit) exprNode()   {}
func (Ref) exprNode()       {}
func (Unary) exprNode()     {}
func (Binary) exprNode()    {}
func (Call) exprNode()      {}

// Parse compiles a formula into an expression tree. Unknown function names
// are rejected here, which is what closes the grammar: only the builtin set
// is callable.
func Parse(input string) (Expr, error) {
	p := &parser{lex: lexer{input: input}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	expr, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at %d", p.cur.text, p.cur.pos)
	}
	return expr, nil
}

// Identifiers returns the distinct variable references in a parsed formula,
// in first-appearance order.
func Identifiers(e Expr) []string {
	var out []string
	seen := make(map[string]struct{})
	var walk func(Expr)
	walk = func(e Expr) {
		switch n := e.(type) {
		case Ref:
			if _, dup := seen[n.Name]; !dup {
				seen[n.Name] = struct{}{}
				out = append(out, n.Name)
			}
		case Unary:
			walk(n.X)
		case Binary:
			walk(n.L)
			walk(n.R)
		case Call:
			for _, a := range n.Args {
				walk(a)
			}
		}
	}
	walk(e)
	return out
}

type parser struct {
	lex lexer
	cur token
}

func (p *parser) advance() error {
	t, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = t
	return nil
}

// Binding powers, lowest first.
func bindingPower(k tokenKind) int {
	switch k {
	case tokOr:
		return 1
	case tokAnd:
		return 2
	case tokEq, tokNeq:
		return 3
	case tokLt, tokLte, tokGt, tokGte:
		return 4
	case tokPlus, tokMinus:
		return 5
	case tokStar, tokSlash, tokPercent:
		return 6
	}
	return 0
}

func (p *parser) parseExpr(minBP int) (Expr, error) {
	left, err := p.parsePrefix()
	if err != nil {
		return nil, err
	}

	for {
		bp := bindingPower(p.cur.kind)
		if bp == 0 || bp <= minBP {
			return left, nil
		}
		op := p.cur.kind
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseExpr(bp)
		if err != nil {
			return nil, err
		}
		left = Binary{Op: op, L: left, R: right}
	}
}

func (p *parser) parsePrefix() (Expr, error) {
	switch p.cur.kind {
	case tokNumber:
		v, err := strconv.ParseFloat(p.cur.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at %d", p.cur.text, p.cur.pos)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return NumberLit{Value: v}, nil

	case tokString:
		s := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return StringLit{Value: s}, nil

	case tokMinus:
		if err := p.advance(); err != nil {
			return nil, err
		}
		x, err := p.parseExpr(6)
		if err != nil {
			return nil, err
		}
		return Unary{Op: tokMinus, X: x}, nil

	case tokNot:
		if err := p.advance(); err != nil {
			return nil, err
		}
		x, err := p.parseExpr(6)
		if err != nil {
			return nil, err
		}
		return Unary{Op: tokNot, X: x}, nil

	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokRParen {
			return nil, fmt.Errorf("expected ) at %d", p.cur.pos)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return inner, nil

	case tokIdent:
		name := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}

		if p.cur.kind == tokLParen {
			return p.parseCall(name)
		}

		switch strings.ToLower(name) {
		case "true":
			return BoolLit{Value: true}, nil
		case "false":
			return BoolLit{Value: false}, nil
		case "null":
			return NullLit{}, nil
		}
		return Ref{Name: name}, nil
	}

	return nil, fmt.Errorf("unexpected %q at %d", p.cur.text, p.cur.pos)
}

func (p *parser) parseCall(name string) (Expr, error) {
	upper := strings.ToUpper(name)
	fn, ok := builtins[upper]
	if !ok {
		return nil, fmt.Errorf("unknown function %q", name)
	}

	// Consume '('.
	if err := p.advance(); err != nil {
		return nil, err
	}

	var args []Expr
	if p.cur.kind != tokRParen {
		for {
			arg, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.cur.kind != tokComma {
				break
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	if p.cur.kind != tokRParen {
		return nil, fmt.Errorf("expected ) at %d", p.cur.pos)
	}
	if err := p.advance(); err != nil {
		return nil, err
	}

	if fn.arity >= 0 && len(args) != fn.arity {
		return nil, fmt.Errorf("%s expects %d argument(s), got %d", upper, fn.arity, len(args))
	}
	if fn.minArity > 0 && len(args) < fn.minArity {
		return nil, fmt.Errorf("%s expects at least %d argument(s)", upper, fn.minArity)
	}
	return Call{Name: upper, Args: args}, nil
}
