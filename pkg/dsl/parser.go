package dsl

import "strconv"

// parser is a recursive-descent parser over the token stream. Precedence,
// loosest first: pipe, ternary, ||, &&, equality, comparison, additive,
// multiplicative, unary, member access / index / call, primary.
type parser struct {
	toks []token
	pos  int
}

// Parse turns an expression string into its AST.
func Parse(input string) (Node, error) {
	toks, err := tokenize(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	node, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if tok := p.current(); tok.typ != tokEOF {
		return nil, parseErrorf(tok.pos, "unexpected token %q after expression", tok.val)
	}
	return node, nil
}

func (p *parser) current() token {
	return p.toks[p.pos]
}

func (p *parser) advance() token {
	tok := p.toks[p.pos]
	if tok.typ != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) match(types ...tokenType) bool {
	cur := p.current().typ
	for _, t := range types {
		if cur == t {
			return true
		}
	}
	return false
}

func (p *parser) expect(typ tokenType, what string) (token, error) {
	if p.current().typ != typ {
		return token{}, parseErrorf(p.current().pos, "expected %s, got %q", what, p.current().val)
	}
	return p.advance(), nil
}

func (p *parser) parseExpression() (Node, error) {
	return p.parsePipe()
}

func (p *parser) parsePipe() (Node, error) {
	expr, err := p.parseConditional()
	if err != nil {
		return nil, err
	}
	for p.match(tokPipe) {
		p.advance()
		right, err := p.parseConditional()
		if err != nil {
			return nil, err
		}
		expr = &PipeNode{Left: expr, Right: right}
	}
	return expr, nil
}

func (p *parser) parseConditional() (Node, error) {
	expr, err := p.parseLogicalOr()
	if err != nil {
		return nil, err
	}
	if p.match(tokQuestion) {
		p.advance()
		thenExpr, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokColon, "':'"); err != nil {
			return nil, err
		}
		elseExpr, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		return &ConditionalNode{Cond: expr, Then: thenExpr, Else: elseExpr}, nil
	}
	return expr, nil
}

// parseBinaryChain parses a left-associative run of the given operators at
// one precedence level.
func (p *parser) parseBinaryChain(next func() (Node, error), ops ...tokenType) (Node, error) {
	expr, err := next()
	if err != nil {
		return nil, err
	}
	for p.match(ops...) {
		op := p.advance().val
		right, err := next()
		if err != nil {
			return nil, err
		}
		expr = &BinaryNode{Left: expr, Operator: op, Right: right}
	}
	return expr, nil
}

func (p *parser) parseLogicalOr() (Node, error) {
	return p.parseBinaryChain(p.parseLogicalAnd, tokOr)
}

func (p *parser) parseLogicalAnd() (Node, error) {
	return p.parseBinaryChain(p.parseEquality, tokAnd)
}

func (p *parser) parseEquality() (Node, error) {
	return p.parseBinaryChain(p.parseComparison, tokEq, tokNotEq)
}

func (p *parser) parseComparison() (Node, error) {
	return p.parseBinaryChain(p.parseAddition, tokLess, tokLessEq, tokGreater, tokGreaterEq)
}

func (p *parser) parseAddition() (Node, error) {
	return p.parseBinaryChain(p.parseMultiplication, tokPlus, tokMinus)
}

func (p *parser) parseMultiplication() (Node, error) {
	return p.parseBinaryChain(p.parseUnary, tokStar, tokSlash, tokPercent)
}

func (p *parser) parseUnary() (Node, error) {
	if p.match(tokNot, tokMinus) {
		op := p.advance().val
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryNode{Operator: op, Operand: operand}, nil
	}
	return p.parseMemberAccess()
}

func (p *parser) parseMemberAccess() (Node, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.match(tokDot):
			p.advance()
			name, err := p.expect(tokIdent, "property name")
			if err != nil {
				return nil, err
			}
			expr = &MemberNode{Object: expr, Property: name.val}

		case p.match(tokLBracket):
			p.advance()
			index, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRBracket, "']'"); err != nil {
				return nil, err
			}
			expr = &MemberNode{Object: expr, Index: index, Computed: true}

		case p.match(tokLParen):
			p.advance()
			var args []Node
			if !p.match(tokRParen) {
				for {
					arg, err := p.parseExpression()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if !p.match(tokComma) {
						break
					}
					p.advance()
				}
			}
			if _, err := p.expect(tokRParen, "')'"); err != nil {
				return nil, err
			}
			expr = &CallNode{Func: expr, Args: args}

		default:
			return expr, nil
		}
	}
}

func (p *parser) parsePrimary() (Node, error) {
	tok := p.current()
	switch tok.typ {
	case tokNumber:
		p.advance()
		n, err := strconv.ParseFloat(tok.val, 64)
		if err != nil {
			return nil, parseErrorf(tok.pos, "invalid number %q", tok.val)
		}
		return &LiteralNode{Value: Number(n)}, nil

	case tokString:
		p.advance()
		return &LiteralNode{Value: String(tok.val)}, nil

	case tokBool:
		p.advance()
		return &LiteralNode{Value: Bool(tok.val == "true")}, nil

	case tokNull:
		p.advance()
		return &LiteralNode{Value: Null}, nil

	case tokIdent:
		p.advance()
		return &IdentifierNode{Name: tok.val}, nil

	case tokLParen:
		p.advance()
		expr, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return expr, nil

	case tokLBracket:
		return p.parseArrayLiteral()

	case tokLBrace:
		return p.parseObjectLiteral()

	default:
		return nil, parseErrorf(tok.pos, "unexpected token %q", tok.val)
	}
}

func (p *parser) parseArrayLiteral() (Node, error) {
	if _, err := p.expect(tokLBracket, "'['"); err != nil {
		return nil, err
	}
	var elements []Node
	if !p.match(tokRBracket) {
		for {
			elem, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			elements = append(elements, elem)
			if !p.match(tokComma) {
				break
			}
			p.advance()
			// Trailing comma.
			if p.match(tokRBracket) {
				break
			}
		}
	}
	if _, err := p.expect(tokRBracket, "']'"); err != nil {
		return nil, err
	}
	return &ArrayNode{Elements: elements}, nil
}

func (p *parser) parseObjectLiteral() (Node, error) {
	if _, err := p.expect(tokLBrace, "'{'"); err != nil {
		return nil, err
	}
	var props []ObjectProperty
	if !p.match(tokRBrace) {
		for {
			prop, err := p.parseObjectProperty()
			if err != nil {
				return nil, err
			}
			props = append(props, prop)
			if !p.match(tokComma) {
				break
			}
			p.advance()
			// Trailing comma.
			if p.match(tokRBrace) {
				break
			}
		}
	}
	if _, err := p.expect(tokRBrace, "'}'"); err != nil {
		return nil, err
	}
	return &ObjectNode{Properties: props}, nil
}

func (p *parser) parseObjectProperty() (ObjectProperty, error) {
	var key string
	switch p.current().typ {
	case tokIdent:
		key = p.advance().val
	case tokString:
		key = p.advance().val
	default:
		return ObjectProperty{}, parseErrorf(p.current().pos, "expected property key, got %q", p.current().val)
	}
	if _, err := p.expect(tokColon, "':'"); err != nil {
		return ObjectProperty{}, err
	}
	value, err := p.parseExpression()
	if err != nil {
		return ObjectProperty{}, err
	}
	return ObjectProperty{Key: key, Value: value}, nil
}
